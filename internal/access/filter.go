package access

import (
	"fmt"
	"strings"

	"github.com/ekko-hq/ekko/internal/directory"
)

// columns maps filter fields to the SQL of one read path.
type columns struct {
	isActive string
	nodeID   string
	name     string
	email    string
}

// appendFilters adds the filter conditions to conds, numbering parameters
// after the ones already in args.
func appendFilters(cols columns, f Filters, conds []string, args []any) ([]string, []any) {
	if f.IsActive != nil && cols.isActive != "" {
		args = append(args, *f.IsActive)
		conds = append(conds, fmt.Sprintf("%s = $%d", cols.isActive, len(args)))
	}
	if len(f.NodeIDs) > 0 {
		args = append(args, f.NodeIDs)
		conds = append(conds, fmt.Sprintf("%s = ANY($%d::uuid[])", cols.nodeID, len(args)))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		args = append(args, "%"+directory.EscapeLike(s)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(%s ILIKE $%d OR %s ILIKE $%d)", cols.name, n, cols.email, n))
	}
	return conds, args
}

func pageClause(p Page, args []any) (string, []any) {
	args = append(args, p.Limit, p.Offset)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args)), args
}
