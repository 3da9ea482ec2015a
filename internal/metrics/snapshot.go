package metrics

import (
	"maps"
	"slices"
)

// Label keys attached to samples depending on where they were observed.
const (
	LabelWorker    = "worker"
	LabelClusterID = "cluster_id"
	LabelBackendID = "backend_id"

	// MainWorker is the worker label value used for the main process.
	MainWorker = "main"
)

// Snapshot is one complete metrics reply from the proxy. It is read-only
// once decoded and is not kept across requests.
type Snapshot struct {
	// Main holds the metrics of the main (supervisor) process.
	Main map[string]Metric
	// Workers is keyed by worker id.
	Workers map[string]WorkerMetrics
}

// WorkerMetrics groups everything one proxy worker reported.
type WorkerMetrics struct {
	// Proxy holds worker-wide counters (bytes in, accept queue, ...).
	Proxy map[string]Metric
	// Clusters is keyed by cluster (application) id.
	Clusters map[string]ClusterMetrics
}

// ClusterMetrics groups the metrics of one application cluster.
type ClusterMetrics struct {
	Cluster  map[string]Metric
	Backends []BackendMetrics 
}

// BackendMetrics holds the metrics of one backend within a cluster.
type BackendMetrics struct {
	BackendID string           
	Metrics   map[string]Metric
}

// Label is one key="value" pair of a scope.
type Label struct {
	Key   string
	Value string
}

// Scope is the ordered label context under which a value was observed.
type Scope []Label

// MainScope is the scope of main-process metrics.
func MainScope() Scope {
	return Scope{{Key: LabelWorker, Value: MainWorker}}
}

// WorkerScope is the scope of worker-wide proxy metrics.
func WorkerScope(workerID string) Scope {
	return Scope{{Key: LabelWorker, Value: workerID}}
}

// ClusterScope is the scope of cluster-level metrics.
func ClusterScope(clusterID string) Scope {
	return Scope{{Key: LabelClusterID, Value: clusterID}}
}

// BackendScope is the scope of metrics reported for one backend of a cluster.
func BackendScope(clusterID, backendID string) Scope {
	return Scope{
		{Key: LabelClusterID, Value: clusterID},
		{Key: LabelBackendID, Value: backendID},
	}
}

// VisitFunc receives one leaf of a snapshot.
type VisitFunc func(name string, scope Scope, value Value)

// Walk visits every leaf value depth-first: main, then for each worker its
// proxy metrics followed by its clusters, each cluster's own metrics
// followed by its backends. Maps are visited in ascending key order and
// backends in the order received, so two walks over equal snapshots visit
// the same sequence.
func (s *Snapshot) Walk(visit VisitFunc) {
	if s == nil {
		return
	}

	walkMap(s.Main, MainScope(), visit)

	for _, workerID := range slices.Sorted(maps.Keys(s.Workers)) {
		worker := s.Workers[workerID]
		walkMap(worker.Proxy, WorkerScope(workerID), visit)

		for _, clusterID := range slices.Sorted(maps.Keys(worker.Clusters)) {
			cluster := worker.Clusters[clusterID]
			walkMap(cluster.Cluster, ClusterScope(clusterID), visit)

			for _, backend := range cluster.Backends {
				walkMap(backend.Metrics, BackendScope(clusterID, backend.BackendID), visit)
			}
		}
	}
}

func walkMap(metrics map[string]Metric, scope Scope, visit VisitFunc) {
	for _, name := range slices.Sorted(maps.Keys(metrics)) {
		visit(name, scope, metrics[name].Get())
	}
}
