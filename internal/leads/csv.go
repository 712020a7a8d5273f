// Package leads imports CRM contacts into the store.
package leads

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/model"
)

// Writer is the slice of the store the importer needs.
type Writer interface {
	CreateLead(ctx context.Context, lead *model.Lead) error
	CreateLeadList(ctx context.Context, name string) (*model.LeadList, error)
	AddLeadsToList(ctx context.Context, listID int64, leadIDs []int64) error
}

// Result summarizes an import.
type Result struct {
	Created int
	Skipped int
	ListID  *int64
}

// headerAliases maps normalized CSV headers to lead fields.
var headerAliases = map[string]string{
	"first_name":    "first_name",
	"first name":    "first_name",
	"firstname":     "first_name",
	"last_name":     "last_name",
	"last name":     "last_name",
	"lastname":      "last_name",
	"email":         "email",
	"email address": "email",
	"linkedin":      "linkedin_url",
	"linkedin_url":  "linkedin_url",
	"linkedin url":  "linkedin_url",
	"company":       "company",
	"company name":  "company",
	"title":         "title",
	"job title":     "title",
	"industry":      "industry",
	"website":       "website",
	"domain":        "website",
	"firm_size":     "firm_size",
	"firm size":     "firm_size",
	"employees":     "firm_size",
	"source":        "source",
}

// MapRow pairs each recognized header with the row's value. Unknown columns
// are dropped and short rows yield empty values.
func MapRow(headers, row []string) map[string]string {
	out := make(map[string]string, len(headers))
	for i, h := range headers {
		field, ok := headerAliases[strings.ToLower(strings.TrimSpace(h))]
		if !ok {
			continue
		}
		if i < len(row) {
			out[field] = strings.TrimSpace(row[i])
		} else if _, set := out[field]; !set {
			out[field] = ""
		}
	}
	return out
}

// ImportFile imports the CSV at path. See Import.
func ImportFile(ctx context.Context, w Writer, path, listName, source string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "leads: open csv %s", path)
	}
	defer f.Close() //nolint:errcheck
	return Import(ctx, w, f, listName, source)
}

// Import creates a lead per row, skipping rows with neither email nor
// LinkedIn URL and rows whose email or LinkedIn URL repeats an earlier row.
// When listName is set the created leads are added to a new list in file
// order. source fills rows without a source column.
func Import(ctx context.Context, w Writer, r io.Reader, listName, source string) (*Result, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "leads: read csv")
	}
	res := &Result{}
	if len(records) < 2 {
		return res, nil
	}

	headers, rows := records[0], records[1:]
	seen := make(map[string]struct{})
	var ids []int64
	for _, row := range rows {
		if ctx.Err() != nil {
			return res, eris.Wrap(ctx.Err(), "leads: import cancelled")
		}
		m := MapRow(headers, row)
		email, li := strings.ToLower(m["email"]), m["linkedin_url"]
		if email == "" && li == "" {
			res.Skipped++
			continue
		}
		if seenAny(seen, email, li) {
			res.Skipped++
			continue
		}

		lead := &model.Lead{
			FirstName:   m["first_name"],
			LastName:    m["last_name"],
			Email:       email,
			LinkedInURL: li,
			Company:     m["company"],
			Title:       m["title"],
			Industry:    m["industry"],
			Website:     m["website"],
			FirmSize:    m["firm_size"],
			Source:      m["source"],
		}
		if lead.Source == "" {
			lead.Source = source
		}
		if err := w.CreateLead(ctx, lead); err != nil {
			return res, eris.Wrapf(err, "leads: create row %d", res.Created+res.Skipped+1)
		}
		ids = append(ids, lead.ID)
		res.Created++
	}

	if listName != "" {
		l, err := w.CreateLeadList(ctx, listName)
		if err != nil {
			return res, eris.Wrap(err, "leads: create list")
		}
		if err := w.AddLeadsToList(ctx, l.ID, ids); err != nil {
			return res, eris.Wrap(err, "leads: add to list")
		}
		res.ListID = &l.ID
	}

	zap.L().Info("leads: import complete",
		zap.Int("created", res.Created), zap.Int("skipped", res.Skipped), zap.String("list", listName))
	return res, nil
}

// seenAny reports whether any non-empty key was seen before, recording
// them all otherwise.
func seenAny(seen map[string]struct{}, keys ...string) bool {
	for _, k := range keys {
		if _, ok := seen[k]; ok && k != "" {
			return true
		}
	}
	for _, k := range keys {
		if k != "" {
			seen[k] = struct{}{}
		}
	}
	return false
}
