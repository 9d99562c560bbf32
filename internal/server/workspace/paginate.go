package workspace

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/workspacesync/internal/common"
	"github.com/google/uuid"
)

// QueryResult is everything QueryAll fetched from one database.
type QueryResult struct {
	Records []Record
	Invalid []InvalidRecord
	Pages   int
}

// QueryAll follows QueryDatabase cursors until the last page. When more
// than maxPages pages would be needed it stops and returns what it fetched
// together with an error wrapping common.ErrTruncatedSync.
func QueryAll(ctx context.Context, c Client, databaseID string, maxPages int) (*QueryResult, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	res := &QueryResult{}
	cursor := ""
	for {
		if res.Pages >= maxPages {
			return res, fmt.Errorf("database %s: more than %d pages: %w", databaseID, maxPages, common.ErrTruncatedSync)
		}

		page, err := c.QueryDatabase(ctx, databaseID, cursor)
		if err != nil {
			return res, err
		}
		res.Pages++
		res.Records = append(res.Records, page.Records...)
		res.Invalid = append(res.Invalid, page.Invalid...)

		if !page.HasMore {
			return res, nil
		}
		cursor = page.NextCursor
	}
}

// StableID normalizes an external identifier so the dashed and undashed
// spellings of the same id compare equal.
func StableID(id string) string {
	id = strings.TrimSpace(id)
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return strings.ToLower(id)
}
