package msgstore

import "strings"

// placeholders renders "?, ?, ?" for len(args) bind parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func typeArgs(types []string) []any {
	args := make([]any, len(types))
	for i, t := range types {
		args[i] = t
	}
	return args
}

func pendingQuery(accepted []string) (string, []any) {
	q := `SELECT id, type, api, payload, size FROM message WHERE type IN (` +
		placeholders(len(accepted)) + `) ORDER BY id;`
	return q, typeArgs(accepted)
}

func countQuery(accepted []string) (string, []any) {
	q := `SELECT COUNT(1) FROM message WHERE type IN (` +
		placeholders(len(accepted)) + `);`
	return q, typeArgs(accepted)
}
