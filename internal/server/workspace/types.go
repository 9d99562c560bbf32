package workspace

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// PropertyType is the discriminator of a Property.
type PropertyType string

const (
	PropTitle       PropertyType = "title"
	PropRichText    PropertyType = "rich_text"
	PropSelect      PropertyType = "select"
	PropStatus      PropertyType = "status"
	PropMultiSelect PropertyType = "multi_select"
	PropDate        PropertyType = "date"
	PropURL         PropertyType = "url"
	PropNumber      PropertyType = "number"
	PropCheckbox    PropertyType = "checkbox"
)

type TextContent struct {
	Content string `json:"content"`
}

type RichText struct {
	Type      string       `json:"type,omitempty"`
	PlainText string       `json:"plain_text,omitempty"`
	Text      *TextContent `json:"text,omitempty"`
}

type Option struct {
	Name string `json:"name"`
}

type DateValue struct {
	Start string  `json:"start"`
	End   *string `json:"end,omitempty"`
}

// Property is one typed value of an external record. Type selects which of
// the value fields is meaningful.
type Property struct {
	ID          string       `json:"id,omitempty"`
	Type        PropertyType `json:"type"`
	Title       []RichText   `json:"title,omitempty"`
	RichText    []RichText   `json:"rich_text,omitempty"`
	Select      *Option      `json:"select,omitempty"`
	Status      *Option      `json:"status,omitempty"`
	MultiSelect []Option     `json:"multi_select,omitempty"`
	Date        *DateValue   `json:"date,omitempty"`
	URL         *string      `json:"url,omitempty"`
	Number      *float64     `json:"number,omitempty"`
	Checkbox    *bool        `json:"checkbox,omitempty"`
}

// PlainText renders the property as a single string. Empty values and
// unsupported types render as "".
func (p Property) PlainText() string {
	switch p.Type {
	case PropTitle:
		return joinRichText(p.Title)
	case PropRichText:
		return joinRichText(p.RichText)
	case PropSelect:
		if p.Select != nil {
			return p.Select.Name
		}
	case PropStatus:
		if p.Status != nil {
			return p.Status.Name
		}
	case PropMultiSelect:
		names := make([]string, 0, len(p.MultiSelect))
		for _, o := range p.MultiSelect {
			names = append(names, o.Name)
		}
		return strings.Join(names, ",")
	case PropDate:
		if p.Date != nil {
			return p.Date.Start
		}
	case PropURL:
		if p.URL != nil {
			return *p.URL
		}
	case PropNumber:
		if p.Number != nil {
			return strconv.FormatFloat(*p.Number, 'f', -1, 64)
		}
	case PropCheckbox:
		if p.Checkbox != nil {
			return strconv.FormatBool(*p.Checkbox)
		}
	}
	return ""
}

func joinRichText(parts []RichText) string {
	var b strings.Builder
	for _, rt := range parts {
		switch {
		case rt.PlainText != "":
			b.WriteString(rt.PlainText)
		case rt.Text != nil:
			b.WriteString(rt.Text.Content)
		}
	}
	return b.String()
}

func TitleValue(s string) Property {
	return Property{Type: PropTitle, Title: []RichText{{Type: "text", Text: &TextContent{Content: s}}}}
}

func RichTextValue(s string) Property {
	return Property{Type: PropRichText, RichText: []RichText{{Type: "text", Text: &TextContent{Content: s}}}}
}

func SelectValue(s string) Property {
	return Property{Type: PropSelect, Select: &Option{Name: s}}
}

func StatusValue(s string) Property {
	return Property{Type: PropStatus, Status: &Option{Name: s}}
}

func DateStartValue(s string) Property {
	return Property{Type: PropDate, Date: &DateValue{Start: s}}
}

func URLValue(s string) Property {
	return Property{Type: PropURL, URL: &s}
}

// MultiSelectValue builds a multi_select from a comma separated list.
func MultiSelectValue(csv string) Property {
	p := Property{Type: PropMultiSelect, MultiSelect: []Option{}}
	for _, name := range strings.Split(csv, ",") {
		if name = strings.TrimSpace(name); name != "" {
			p.MultiSelect = append(p.MultiSelect, Option{Name: name})
		}
	}
	return p
}

// Record is one row of an external database.
type Record struct {
	Object         string              `json:"object"`
	ID             string              `json:"id"`
	CreatedTime    time.Time           `json:"created_time"`
	LastEditedTime time.Time           `json:"last_edited_time"`
	Archived       bool                `json:"archived"`
	InTrash        bool                `json:"in_trash"`
	Properties     map[string]Property `json:"properties"`

	// Raw is the record exactly as received.
	Raw json.RawMessage `json:"-"`
}

// Deleted reports whether the record was archived or trashed upstream.
func (r Record) Deleted() bool {
	return r.Archived || r.InTrash
}

// InvalidRecord is a result entry that could not be decoded.
type InvalidRecord struct {
	ID  string
	Raw json.RawMessage
	Err error
}

// QueryPage is one page of QueryDatabase results.
type QueryPage struct {
	Records    []Record
	Invalid    []InvalidRecord
	NextCursor string
	HasMore    bool
}

type Page struct {
	ID         string
	Title      string
	Archived   bool
	Properties map[string]Property
}

type Block struct {
	ID          string
	Type        string
	Title       string
	HasChildren bool
}

// IsDatabase reports whether the block is an inline child database.
func (b Block) IsDatabase() bool {
	return b.Type == "child_database"
}

type Database struct {
	ID       string
	Title    string
	Archived bool
}

// Identity is the integration user a key authenticates as.
type Identity struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	WorkspaceName string `json:"workspace_name,omitempty"`
}

type pageDTO struct {
	Object     string              `json:"object"`
	ID         string              `json:"id"`
	Archived   bool                `json:"archived"`
	InTrash    bool                `json:"in_trash"`
	Properties map[string]Property `json:"properties"`
}

type blockDTO struct {
	Object        string `json:"object"`
	ID            string `json:"id"`
	Type          string `json:"type"`
	HasChildren   bool   `json:"has_children"`
	ChildDatabase *struct {
		Title string `json:"title"`
	} `json:"child_database,omitempty"`
	ChildPage *struct {
		Title string `json:"title"`
	} `json:"child_page,omitempty"`
}

type listDTO struct {
	Object     string            `json:"object"`
	Results    []json.RawMessage `json:"results"`
	NextCursor *string           `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

type databaseDTO struct {
	Object   string     `json:"object"`
	ID       string     `json:"id"`
	Title    []RichText `json:"title"`
	Archived bool       `json:"archived"`
}

type userDTO struct {
	Object string `json:"object"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Bot    *struct {
		WorkspaceName string `json:"workspace_name"`
	} `json:"bot,omitempty"`
}

type apiErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
