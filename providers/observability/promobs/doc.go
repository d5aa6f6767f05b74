// Package promobs exports observability metrics to Prometheus.
//
// An [Observer] decorates another [observability.Provider]: spans and log
// records go to the wrapped provider unchanged while every Counter and
// Histogram is backed by a Prometheus vector registered on a
// [prometheus.Registerer]. Metric names are translated to Prometheus
// conventions ("agentcanvas.node.count" becomes "agentcanvas_node_count_total")
// and attribute keys become labels.
//
// Label sets are fixed per metric. Well-known metrics have their labels
// declared up front; any other metric takes its labels from the attributes
// of the first call. Attributes outside the label set are dropped and
// missing labels are recorded as the empty string.
package promobs
