package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the service
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, route, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // Orchestrations counts Execute calls by action type and outcome
    Orchestrations = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "orchestrations_total", Help: "Orchestration attempts by action type and outcome."},
        []string{"action_type", "outcome"},
    )
    // OrchestrationDuration tracks end-to-end Execute latency
    OrchestrationDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "orchestration_duration_seconds", Help: "Execute latency in seconds.", Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}},
        []string{"action_type"},
    )
    // SystemWrites counts physical writes to backend systems
    SystemWrites = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "system_writes_total", Help: "Backend writes by system, operation and result."},
        []string{"system", "operation", "success"},
    )
    // EvidenceFailures counts evidence appends that did not persist
    EvidenceFailures = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "evidence_append_failures_total", Help: "Evidence records that failed to persist."},
    )
    // ConversationTransitions counts processed conversation events
    ConversationTransitions = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "conversation_transitions_total", Help: "Conversation events by from/to status; to is empty for no-ops."},
        []string{"event", "from", "to"},
    )
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(Orchestrations)
        Registry.MustRegister(OrchestrationDuration)
        Registry.MustRegister(SystemWrites)
        Registry.MustRegister(EvidenceFailures)
        Registry.MustRegister(ConversationTransitions)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
