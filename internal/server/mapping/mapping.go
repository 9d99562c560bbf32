// Package mapping translates external workspace records into internal entity
// columns and back. Each entity type has one explicit Mapping; records that
// do not fit it are rejected at this boundary.
package mapping

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dmitrijs2005/workspacesync/internal/common"
	"github.com/dmitrijs2005/workspacesync/internal/server/models"
	"github.com/dmitrijs2005/workspacesync/internal/server/workspace"
)

// Field maps one external property onto one TEXT column.
type Field struct {
	Column   string
	Property string
	// Types lists accepted property types; the first is used when writing.
	Types    []workspace.PropertyType
	Required bool
	// Rule is a validator tag applied to the rendered value.
	Rule string
}

// Mapping describes the table and field set of one entity type.
type Mapping struct {
	EntityType models.EntityType
	Table      string
	Fields     []Field
}

func title(column string) Field {
	return Field{Column: column, Property: "Name", Types: []workspace.PropertyType{workspace.PropTitle}, Required: true, Rule: "required,max=2000"}
}

func text(column, property string) Field {
	return Field{Column: column, Property: property, Types: []workspace.PropertyType{workspace.PropRichText}, Rule: "max=20000"}
}

func choice(column, property string, types ...workspace.PropertyType) Field {
	return Field{Column: column, Property: property, Types: types, Rule: "max=200"}
}

func date(column, property string) Field {
	return Field{Column: column, Property: property, Types: []workspace.PropertyType{workspace.PropDate}, Rule: "omitempty,isodate"}
}

var registry = map[models.EntityType]Mapping{
	models.EntityTasks: {
		EntityType: models.EntityTasks,
		Table:      "tasks",
		Fields: []Field{
			title("title"),
			choice("status", "Status", workspace.PropStatus, workspace.PropSelect),
			choice("priority", "Priority", workspace.PropSelect, workspace.PropStatus),
			date("due_date", "Due"),
		},
	},
	models.EntityRules: {
		EntityType: models.EntityRules,
		Table:      "rules",
		Fields: []Field{
			title("title"),
			text("description", "Description"),
			choice("category", "Category", workspace.PropSelect),
		},
	},
	models.EntityContracts: {
		EntityType: models.EntityContracts,
		Table:      "contracts",
		Fields: []Field{
			title("title"),
			text("party", "Party"),
			text("terms", "Terms"),
			choice("status", "Status", workspace.PropStatus, workspace.PropSelect),
		},
	},
	models.EntityJournalEntries: {
		EntityType: models.EntityJournalEntries,
		Table:      "journal_entries",
		Fields: []Field{
			title("title"),
			text("body", "Entry"),
			date("entry_date", "Date"),
			choice("mood", "Mood", workspace.PropSelect),
		},
	},
	models.EntityCalendarEvents: {
		EntityType: models.EntityCalendarEvents,
		Table:      "calendar_events",
		Fields: []Field{
			title("title"),
			date("starts_at", "Date"),
			text("location", "Location"),
		},
	},
	models.EntityIdeas: {
		EntityType: models.EntityIdeas,
		Table:      "ideas",
		Fields: []Field{
			title("title"),
			text("description", "Description"),
			{Column: "tags", Property: "Tags", Types: []workspace.PropertyType{workspace.PropMultiSelect}, Rule: "max=2000"},
		},
	},
	models.EntityGeneratedImages: {
		EntityType: models.EntityGeneratedImages,
		Table:      "generated_images",
		Fields: []Field{
			title("title"),
			text("prompt", "Prompt"),
			{Column: "image_url", Property: "URL", Types: []workspace.PropertyType{workspace.PropURL}, Rule: "omitempty,url"},
		},
	},
	models.EntityCharacters: {
		EntityType: models.EntityCharacters,
		Table:      "characters",
		Fields: []Field{
			title("name"),
			choice("role", "Role", workspace.PropSelect, workspace.PropRichText),
			text("description", "Description"),
		},
	},
}

// For returns the mapping of entityType.
func For(entityType models.EntityType) (Mapping, error) {
	m, ok := registry[entityType]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %q", common.ErrUnknownEntityType, entityType)
	}
	return m, nil
}

// Columns returns the mapped content columns in declaration order.
func (m Mapping) Columns() []string {
	cols := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		cols[i] = f.Column
	}
	return cols
}

// FromExternal extracts the mapped columns from rec. Missing optional
// properties map to "". A missing required property, an unexpected property
// type or a value failing its rule yields an error matching
// workspace.ErrMalformed.
func (m Mapping) FromExternal(rec workspace.Record) (map[string]string, error) {
	out := make(map[string]string, len(m.Fields))
	for _, f := range m.Fields {
		prop, ok := rec.Properties[f.Property]
		if !ok {
			if f.Required {
				return nil, malformed(rec.ID, f, "missing property")
			}
			out[f.Column] = ""
			continue
		}
		if !slices.Contains(f.Types, prop.Type) {
			return nil, malformed(rec.ID, f, fmt.Sprintf("unexpected type %q", prop.Type))
		}

		value := strings.TrimSpace(prop.PlainText())
		if err := validate.Var(value, f.Rule); err != nil {
			return nil, malformed(rec.ID, f, err.Error())
		}
		out[f.Column] = value
	}
	return out, nil
}

func malformed(id string, f Field, reason string) error {
	return fmt.Errorf("%w: record %s property %q: %s", workspace.ErrMalformed, id, f.Property, reason)
}

// ToExternal renders fields as workspace properties for CreateRecord. Empty
// optional values are omitted.
func (m Mapping) ToExternal(fields map[string]string) map[string]workspace.Property {
	out := make(map[string]workspace.Property, len(m.Fields))
	for _, f := range m.Fields {
		v := strings.TrimSpace(fields[f.Column])
		if v == "" && !f.Required {
			continue
		}
		switch f.Types[0] {
		case workspace.PropTitle:
			out[f.Property] = workspace.TitleValue(v)
		case workspace.PropRichText:
			out[f.Property] = workspace.RichTextValue(v)
		case workspace.PropSelect:
			out[f.Property] = workspace.SelectValue(v)
		case workspace.PropStatus:
			out[f.Property] = workspace.StatusValue(v)
		case workspace.PropDate:
			out[f.Property] = workspace.DateStartValue(v)
		case workspace.PropURL:
			out[f.Property] = workspace.URLValue(v)
		case workspace.PropMultiSelect:
			out[f.Property] = workspace.MultiSelectValue(v)
		}
	}
	return out
}

// Diff returns the mapped columns whose values differ between a and b.
func (m Mapping) Diff(a, b map[string]string) []string {
	var diff []string
	for _, f := range m.Fields {
		if strings.TrimSpace(a[f.Column]) != strings.TrimSpace(b[f.Column]) {
			diff = append(diff, f.Column)
		}
	}
	return diff
}

// IsPlaceholder reports whether every mapped column of fields is blank,
// i.e. the row carries no user content that could be lost.
func (m Mapping) IsPlaceholder(fields map[string]string) bool {
	for _, f := range m.Fields {
		if strings.TrimSpace(fields[f.Column]) != "" {
			return false
		}
	}
	return true
}
