package db

import (
	"context"
	"fmt"
	"strings"
)

// EntityQuery selects class instances by their annotation links. Every set in
// AnnotatedWith must be matched (conjunction) by at least one of its ids
// (disjunction); no id of any NotAnnotatedWith set may be matched.
type EntityQuery struct {
	ProjectID        int64
	AnnotatedWithRel int64
	ClassIDs         []int64
	AnnotatedWith    [][]int64
	NotAnnotatedWith [][]int64
	AnnotatedBy      []int64 // restrict matching links to these annotators
	From, To         int64   // link creation_time bounds in Unix millis; 0 is open
}

func (q EntityQuery) linkFilter(b *strings.Builder, args *[]any) {
	if len(q.AnnotatedBy) > 0 {
		b.WriteString(" AND cici.user_id IN (?)")
		*args = append(*args, q.AnnotatedBy)
	}
	if q.From > 0 {
		b.WriteString(" AND cici.creation_time >= ?")
		*args = append(*args, q.From)
	}
	if q.To > 0 {
		b.WriteString(" AND cici.creation_time <= ?")
		*args = append(*args, q.To)
	}
}

func (q EntityQuery) hasLinkFilter() bool {
	return len(q.AnnotatedBy) > 0 || q.From > 0 || q.To > 0
}

// AnnotatedEntities runs q and returns the matching class instances in id order.
func (s *Session) AnnotatedEntities(ctx context.Context, q EntityQuery) ([]ClassInstance, error) {
	if len(q.ClassIDs) == 0 {
		return nil, nil
	}
	for _, set := range q.AnnotatedWith {
		if len(set) == 0 {
			return nil, nil
		}
	}

	var b strings.Builder
	args := []any{q.ProjectID, q.ClassIDs}
	b.WriteString(`SELECT ci.id, ci.project_id, ci.user_id, ci.class_id, ci.name, ci.creation_time, ci.edition_time
		FROM class_instance ci
		WHERE ci.project_id = ? AND ci.class_id IN (?)`)

	for _, set := range q.AnnotatedWith {
		b.WriteString(` AND ci.id IN (SELECT cici.class_instance_a FROM class_instance_class_instance cici
			WHERE cici.relation_id = ? AND cici.class_instance_b IN (?)`)
		args = append(args, q.AnnotatedWithRel, set)
		q.linkFilter(&b, &args)
		b.WriteString(")")
	}
	if len(q.AnnotatedWith) == 0 && q.hasLinkFilter() {
		b.WriteString(` AND ci.id IN (SELECT cici.class_instance_a FROM class_instance_class_instance cici
			WHERE cici.relation_id = ?`)
		args = append(args, q.AnnotatedWithRel)
		q.linkFilter(&b, &args)
		b.WriteString(")")
	}
	for _, set := range q.NotAnnotatedWith {
		if len(set) == 0 {
			continue
		}
		b.WriteString(` AND ci.id NOT IN (SELECT cici.class_instance_a FROM class_instance_class_instance cici
			WHERE cici.relation_id = ? AND cici.class_instance_b IN (?))`)
		args = append(args, q.AnnotatedWithRel, set)
	}
	b.WriteString(" ORDER BY ci.id")

	var out []ClassInstance
	if err := s.selectRows(ctx, &out, b.String(), args...); err != nil {
		return nil, fmt.Errorf("querying annotated entities: %w", err)
	}
	return out, nil
}
