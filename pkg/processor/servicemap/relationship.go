package servicemap

import "strings"

// SpanState is the window entry for one observed span, keyed by span id
// bytes.
type SpanState struct {
	ServiceName  string `json:"serviceName"`
	ParentSpanID []byte `json:"parentSpanId,omitempty"`
	TraceID      []byte `json:"traceId"`
	SpanKind     string `json:"spanKind"`
	Name         string `json:"name"`
}

// RelationshipEndpoint names one side of a service-map edge.
type RelationshipEndpoint struct {
	Domain   string `json:"domain"`
	Resource string `json:"resource"`
}

// Relationship is one service-map edge. A destination relationship points
// from the caller to the callee; a target relationship anchors the callee's
// own operation.
type Relationship struct {
	ServiceName    string                `json:"serviceName"`
	Kind           string                `json:"kind"`
	Destination    *RelationshipEndpoint `json:"destination,omitempty"`
	Target         *RelationshipEndpoint `json:"target,omitempty"`
	TraceGroupName string                `json:"traceGroupName"`
}

func NewDestinationRelationship(
	callerService string,
	callerKind string,
	calleeService string,
	calleeOperation string,
	traceGroupName string,
) Relationship {
	return Relationship{
		ServiceName: callerService,
		Kind:        callerKind,
		Destination: &RelationshipEndpoint{
			Domain:   calleeService,
			Resource: calleeOperation,
		},
		TraceGroupName: traceGroupName,
	}
}

func NewTargetRelationship(
	calleeService string,
	calleeKind string,
	calleeOperation string,
	traceGroupName string,
) Relationship {
	return Relationship{
		ServiceName: calleeService,
		Kind:        calleeKind,
		Target: &RelationshipEndpoint{
			Domain:   calleeService,
			Resource: calleeOperation,
		},
		TraceGroupName: traceGroupName,
	}
}

// Key is the dedup identity of the relationship within the process-wide
// relationship set.
func (r Relationship) Key() string {
	parts := []string{r.ServiceName, r.Kind, r.TraceGroupName}
	if r.Destination != nil {
		parts = append(parts, "destination", r.Destination.Domain, r.Destination.Resource)
	}
	if r.Target != nil {
		parts = append(parts, "target", r.Target.Domain, r.Target.Resource)
	}
	return strings.Join(parts, "\x1f")
}

// ToMap renders the relationship as event data.
func (r Relationship) ToMap() map[string]interface{} {
	data := map[string]interface{}{
		"serviceName":    r.ServiceName,
		"kind":           r.Kind,
		"traceGroupName": r.TraceGroupName,
	}
	if r.Destination != nil {
		data["destination"] = map[string]interface{}{
			"domain":   r.Destination.Domain,
			"resource": r.Destination.Resource,
		}
	}
	if r.Target != nil {
		data["target"] = map[string]interface{}{
			"domain":   r.Target.Domain,
			"resource": r.Target.Resource,
		}
	}
	return data
}
