package schema

import (
	"fmt"
	"regexp"
	"strings"
)

var nameJunk = regexp.MustCompile(`[^a-z0-9 ]+`)
var spaces = regexp.MustCompile(`\s+`)

// NormalizeName lowercases, strips punctuation, and collapses whitespace
// so that "Acme, Inc." and "acme inc" produce the same match key.
func NormalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = nameJunk.ReplaceAllString(n, "")
	n = spaces.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

// nameMatchKey matches on the normalized value of the first present
// display-ish field.
func nameMatchKey(fieldNames ...string) MatchKeyFunc {
	return func(fields map[string]any) string {
		for _, f := range fieldNames {
			if v, ok := fields[f].(string); ok {
				if key := NormalizeName(v); key != "" {
					return key
				}
			}
		}
		return ""
	}
}

// transactionMatchKey composes date, amount, and description. A
// transaction without all three is not safe to match heuristically.
func transactionMatchKey(fields map[string]any) string {
	date, _ := fields["date"].(string)
	desc, _ := fields["description"].(string)
	amount, ok := fields["amount"].(float64)
	if date == "" || desc == "" || !ok {
		return ""
	}
	return fmt.Sprintf("%s|%.2f|%s", date, amount, NormalizeName(desc))
}

func builtinDefinitions() []*Definition {
	return []*Definition{
		{
			Type: "person",
			Fields: map[string]FieldDef{
				"name":       {Type: TypeString, Merge: MergeLastWriter},
				"email":      {Type: TypeString, Merge: MergeLastWriter},
				"phone":      {Type: TypeString, Merge: MergeLastWriter},
				"birth_date": {Type: TypeDate, Merge: MergeFirstSeen},
				"addresses":  {Type: TypeArray, Merge: MergeLastWriter},
				"notes":      {Type: TypeString, Merge: MergeLastWriter},
			},
			DisplayFields: []string{"name", "email"},
			MatchKey:      nameMatchKey("name"),
		},
		{
			Type: "company",
			Fields: map[string]FieldDef{
				"name":        {Type: TypeString, Merge: MergeLastWriter},
				"domain":      {Type: TypeString, Merge: MergeLastWriter},
				"industry":    {Type: TypeString, Merge: MergeLastWriter},
				"founded":     {Type: TypeDate, Merge: MergeFirstSeen},
				"headquarters": {Type: TypeObject, Merge: MergeLastWriter},
			},
			DisplayFields: []string{"name", "domain"},
			MatchKey:      nameMatchKey("name", "domain"),
		},
		{
			Type: "transaction",
			Fields: map[string]FieldDef{
				"date":        {Type: TypeDate, Merge: MergeFirstSeen},
				"amount":      {Type: TypeNumber, Merge: MergeLastWriter},
				"currency":    {Type: TypeString, Merge: MergeLastWriter},
				"description": {Type: TypeString, Merge: MergeLastWriter},
				"category":    {Type: TypeString, Merge: MergeLastWriter},
				"settled":     {Type: TypeBoolean, Merge: MergeLastWriter},
			},
			DisplayFields: []string{"description"},
			MatchKey:      transactionMatchKey,
		},
		{
			Type: "document",
			Fields: map[string]FieldDef{
				"title":    {Type: TypeString, Merge: MergeLastWriter},
				"author":   {Type: TypeString, Merge: MergeLastWriter},
				"date":     {Type: TypeDate, Merge: MergeFirstSeen},
				"tags":     {Type: TypeArray, Merge: MergeLastWriter},
				"summary":  {Type: TypeString, Merge: MergeLastWriter},
			},
			DisplayFields: []string{"title"},
			MatchKey:      nameMatchKey("title"),
		},
		{
			// Generic fallback for entity types the registry does not know.
			Type: GenericType,
			Fields: map[string]FieldDef{
				"name":        {Type: TypeString, Merge: MergeLastWriter},
				"description": {Type: TypeString, Merge: MergeLastWriter},
				"attributes":  {Type: TypeObject, Merge: MergeLastWriter},
			},
			DisplayFields: []string{"name", "description"},
			MatchKey:      nameMatchKey("name"),
		},
	}
}
