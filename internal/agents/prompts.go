package agents

import (
	"fmt"
	"strings"
)

// DefaultTables is the TPC-H table set offered to the translator.
var DefaultTables = []string{
	"customer", "orders", "lineitem", "part",
	"supplier", "nation", "region", "partsupp",
}

type prompter struct {
	tables string
}

func newPrompter(tables []string) prompter {
	if len(tables) == 0 {
		tables = DefaultTables
	}
	return prompter{tables: strings.Join(tables, ", ")}
}

func (p prompter) translate(question string) string {
	return fmt.Sprintf("Translate this natural language query to SQL for TPCH database: '%s'.\n"+
		"Available tables: %s.\n"+
		"Return only the SQL query, no explanations.", question, p.tables)
}

func (p prompter) insight(summary string) string {
	return "Analyze this data and provide business insights: " + summary
}
