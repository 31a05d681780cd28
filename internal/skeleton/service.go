// Package skeleton applies structural edits to skeletons (split, join,
// reroot, node creation and deletion, bulk import) and answers tree queries,
// each inside one transaction of the backing store.
package skeleton

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"catmaid/arbor/internal/authz"
	"catmaid/arbor/internal/db"
	"catmaid/arbor/internal/graph"
	"catmaid/arbor/internal/logging"
	"catmaid/arbor/internal/metrics"
)

var (
	// ErrInvalidSplitPoint means the split node is the root of its skeleton.
	ErrInvalidSplitPoint = errors.New("invalid split point: node is the skeleton root")
	// ErrSameSkeletonJoin means both join nodes belong to one skeleton.
	ErrSameSkeletonJoin = errors.New("cannot join a skeleton to itself")
	// ErrInvalidAnnotationDistribution means neither side of a split keeps
	// every current annotation.
	ErrInvalidAnnotationDistribution = errors.New("neither annotation set contains all current annotations")
	// ErrAnnotationPermissionViolation means a join would drop an annotation
	// link the caller may not edit.
	ErrAnnotationPermissionViolation = errors.New("join drops annotations the user may not edit")
	// ErrHasChildren means a root with children was asked to be deleted.
	ErrHasChildren = errors.New("cannot delete a root node that has children")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// rejections are caller-input failures: reported, logged at warn, never retried.
var rejections = []error{
	ErrInvalidSplitPoint, ErrSameSkeletonJoin, ErrInvalidAnnotationDistribution,
	ErrAnnotationPermissionViolation, ErrHasChildren, ErrInvalidRequest,
	authz.ErrPermissionDenied, db.ErrNotFound, graph.ErrNodeNotFound,
}

func isRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}

// Actor is the principal an operation runs for, in one project.
type Actor struct {
	authz.Principal
	ProjectID int64 `validate:"required,min=1"`
	RequestID string
}

// Service runs skeleton operations against a store
type Service struct {
	db       *db.DB
	authz    authz.Authorizer
	log      *logrus.Entry
	metrics  *metrics.Registry
	validate *validator.Validate
}

// Option configures a Service
type Option func(*Service)

// WithAuthorizer replaces the default owner-or-superuser policy.
func WithAuthorizer(a authz.Authorizer) Option {
	return func(s *Service) { s.authz = a }
}

// WithLogger sets the base log entry.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Service) { s.log = l }
}

// WithMetrics sets the registry operations are recorded in.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a Service on d.
func New(d *db.DB, opts ...Option) *Service {
	s := &Service{
		db:       d,
		authz:    authz.OwnerPolicy{},
		log:      logging.Discard(),
		metrics:  metrics.NewRegistry(),
		validate: validator.New(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Metrics returns the registry the service records into
func (s *Service) Metrics() *metrics.Registry { return s.metrics }

func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%w: %s failed %s%s", ErrInvalidRequest, e.Field(), e.Tag(), param(e.Param()))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func param(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

// run times fn and records its outcome in the log and metrics.
func (s *Service) run(a Actor, op string, fields logrus.Fields, fn func() error) error {
	start := time.Now()
	err := s.check(a)
	if err == nil {
		err = fn()
	}

	entry := s.log.WithFields(fields).WithFields(logrus.Fields{
		"op":         op,
		"project":    a.ProjectID,
		"user":       a.UserID,
		"request_id": a.RequestID,
	})
	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
		entry.Info("operation completed")
	case isRejection(err):
		outcome = metrics.OutcomeRejected
		entry.WithError(err).Warn("operation rejected")
	default:
		outcome = metrics.OutcomeError
		entry.WithError(err).Error("operation failed")
	}
	s.metrics.RecordOperation(op, outcome, time.Since(start))
	return err
}

// appendLog writes the operation log after commit; failures are only logged.
func (s *Service) appendLog(ctx context.Context, a Actor, op string, at graph.Point, text string) {
	err := s.db.AppendLog(ctx, db.LogEntry{
		ProjectID: a.ProjectID, UserID: a.UserID, Operation: op,
		X: at.X, Y: at.Y, Z: at.Z, Freetext: text,
	})
	if err != nil {
		s.log.WithError(err).WithField("op", op).Warn("appending to operation log")
	}
}

func location(t *db.Treenode) graph.Point {
	return graph.Point{X: t.X, Y: t.Y, Z: t.Z}
}

// neuronOf returns the neuron a skeleton is a model of.
func neuronOf(ctx context.Context, lk *db.Lookup, skeletonID int64) (int64, error) {
	modelOf, err := lk.RelationID(ctx, db.RelModelOf)
	if err != nil {
		return 0, err
	}
	links, err := lk.Session().LinksFrom(ctx, modelOf, skeletonID)
	if err != nil {
		return 0, err
	}
	if len(links) == 0 {
		return 0, fmt.Errorf("neuron of skeleton %d: %w", skeletonID, db.ErrNotFound)
	}
	return links[0].B, nil
}

// newSkeleton creates a skeleton and the neuron it models, both owned by
// userID. An empty neuronName becomes "neuron <skeleton id>".
func newSkeleton(ctx context.Context, lk *db.Lookup, userID int64, neuronName string) (skeletonID, neuronID int64, err error) {
	s := lk.Session()
	skCls, err := lk.ClassID(ctx, db.ClassSkeleton)
	if err != nil {
		return 0, 0, err
	}
	nCls, err := lk.ClassID(ctx, db.ClassNeuron)
	if err != nil {
		return 0, 0, err
	}
	modelOf, err := lk.RelationID(ctx, db.RelModelOf)
	if err != nil {
		return 0, 0, err
	}

	if skeletonID, err = s.CreateClassInstance(ctx, lk.ProjectID(), userID, skCls, "skeleton"); err != nil {
		return 0, 0, err
	}
	if err = s.RenameClassInstance(ctx, skeletonID, fmt.Sprintf("skeleton %d", skeletonID)); err != nil {
		return 0, 0, err
	}
	if neuronName == "" {
		neuronName = fmt.Sprintf("neuron %d", skeletonID)
	}
	if neuronID, err = s.CreateClassInstance(ctx, lk.ProjectID(), userID, nCls, neuronName); err != nil {
		return 0, 0, err
	}
	if _, err = s.CreateLink(ctx, lk.ProjectID(), userID, modelOf, skeletonID, neuronID); err != nil {
		return 0, 0, err
	}
	return skeletonID, neuronID, nil
}
