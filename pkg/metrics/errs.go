package metrics

import "errors"

var (
	// ErrDuplicateMetric indicates a (name, labels) pair registered twice.
	ErrDuplicateMetric = errors.New("metrics: duplicate metric")

	// ErrInvalidHistogramParams indicates a grouping power outside [2,7]
	// or a max-value power that does not exceed it.
	ErrInvalidHistogramParams = errors.New("metrics: invalid histogram params")

	// ErrBadName indicates an empty or malformed metric family name.
	ErrBadName = errors.New("metrics: bad metric name")

	// ErrBadLabels indicates duplicate label names within one metric id.
	ErrBadLabels = errors.New("metrics: bad label set")

	// ErrLabelCardinality indicates a group lookup with the wrong number
	// of label values.
	ErrLabelCardinality = errors.New("metrics: label value count mismatch")
)
