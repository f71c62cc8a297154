package sqlbuilder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/anandtrivedi/koop-provider-databricks/internal/validate"
)

// SanitizeOrderBy accepts "col [ASC|DESC], ..." and returns it normalised
// with directions upper-cased.
func SanitizeOrderBy(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", errors.New("empty order list")
	}
	entries := strings.Split(s, ",")
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		toks := strings.Fields(e)
		switch len(toks) {
		case 1, 2:
		default:
			return "", fmt.Errorf("bad order entry %q", strings.TrimSpace(e))
		}
		if err := validate.ColumnName(toks[0]); err != nil {
			return "", err
		}
		if len(toks) == 1 {
			out = append(out, toks[0])
			continue
		}
		dir := strings.ToUpper(toks[1])
		if dir != "ASC" && dir != "DESC" {
			return "", fmt.Errorf("bad sort direction %q", toks[1])
		}
		out = append(out, toks[0]+" "+dir)
	}
	return strings.Join(out, ", "), nil
}
