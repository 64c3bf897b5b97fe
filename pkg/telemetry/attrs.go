package telemetry

import (
	"fmt"
	"maps"

	"go.opentelemetry.io/otel/attribute"
)

type SpanAttributes struct {
	ActionCategory string

	WorkerID        optional[int]      // kafl.worker.id
	NodeID          optional[int]      // kafl.node.id
	NodeState       optional[string]   // kafl.node.state
	ExitReason      optional[string]   // kafl.exit_reason
	execs           optional[uint64]   // kafl.stats.execs
	funky           optional[uint64]   // kafl.stats.funky
	corpusSize      optional[int]      // fuzz.corpus.size
	corpusAdditions optional[[]string] // fuzz.corpus.additions

	extraAttributes map[string]any
}

func NewSpanAttributes(actionCategory ActionCategory) *SpanAttributes {
	return &SpanAttributes{
		ActionCategory:  actionCategory.String(),
		extraAttributes: make(map[string]any),
	}
}

// returns an empty SpanAttributes instance with no action category.
// this is useful for creating a SpanAttributes instance that can be populated later.
func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{
		extraAttributes: make(map[string]any),
	}
}

// Merge updates the current SpanAttributes with values from another SpanAttributes.
// Values are only updated if they are set in the other SpanAttributes and not set in the current one.
// The ActionCategory and the stats counters always take the other value when it carries one.
func (o *SpanAttributes) Merge(other *SpanAttributes) {
	if other == nil {
		return
	}

	if other.ActionCategory != "" {
		o.ActionCategory = other.ActionCategory
	}

	mergeOptional(&o.WorkerID, &other.WorkerID)
	mergeOptional(&o.NodeID, &other.NodeID)
	mergeOptional(&o.NodeState, &other.NodeState)
	mergeOptional(&o.ExitReason, &other.ExitReason)
	overrideOptional(&o.execs, &other.execs)
	overrideOptional(&o.funky, &other.funky)
	mergeOptional(&o.corpusSize, &other.corpusSize)
	mergeOptional(&o.corpusAdditions, &other.corpusAdditions)

	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	for k, v := range other.extraAttributes {
		if _, exists := o.extraAttributes[k]; !exists {
			o.extraAttributes[k] = v
		}
	}
}

func (o *SpanAttributes) WithWorkerID(val int) *SpanAttributes {
	o.WorkerID.Set(val)
	return o
}

func (o *SpanAttributes) WithNodeID(val int) *SpanAttributes {
	o.NodeID.Set(val)
	return o
}

func (o *SpanAttributes) WithNodeState(val string) *SpanAttributes {
	o.NodeState.Set(val)
	return o
}

func (o *SpanAttributes) WithExitReason(val string) *SpanAttributes {
	o.ExitReason.Set(val)
	return o
}

func (o *SpanAttributes) WithStats(execs, funky uint64) *SpanAttributes {
	o.execs.Set(execs)
	o.funky.Set(funky)
	return o
}

func (o *SpanAttributes) WithCorpusSize(val int) *SpanAttributes {
	o.corpusSize.Set(val)
	return o
}

func (o *SpanAttributes) WithCorpusAdditions(val []string) *SpanAttributes {
	o.corpusAdditions.Set(val)
	return o
}

func (o *SpanAttributes) WithExtraAttribute(key string, val any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	o.extraAttributes[key] = val
	return o
}

func (o *SpanAttributes) WithExtraAttributes(attrs map[string]any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	maps.Copy(o.extraAttributes, attrs)
	return o
}

func (o SpanAttributes) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if o.ActionCategory != "" {
		attrs = append(attrs, attribute.String("kafl.action.category", o.ActionCategory))
	}
	if o.WorkerID.set {
		attrs = append(attrs, attribute.Int("kafl.worker.id", o.WorkerID.val))
	}
	if o.NodeID.set {
		attrs = append(attrs, attribute.Int("kafl.node.id", o.NodeID.val))
	}
	if o.NodeState.set {
		attrs = append(attrs, attribute.String("kafl.node.state", o.NodeState.val))
	}
	if o.ExitReason.set {
		attrs = append(attrs, attribute.String("kafl.exit_reason", o.ExitReason.val))
	}
	if o.execs.set {
		attrs = append(attrs, attribute.Int64("kafl.stats.execs", int64(o.execs.val)))
	}
	if o.funky.set {
		attrs = append(attrs, attribute.Int64("kafl.stats.funky", int64(o.funky.val)))
	}
	if o.corpusSize.set {
		attrs = append(attrs, attribute.Int("fuzz.corpus.size", o.corpusSize.val))
	}
	if o.corpusAdditions.set {
		attrs = append(attrs, attribute.StringSlice("fuzz.corpus.additions", o.corpusAdditions.val))
	}

	for k, v := range o.extraAttributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	return attrs
}

type EventAttributes []attribute.KeyValue

func NewEventAttributes(attributes map[string]string) EventAttributes {
	attrs := make(EventAttributes, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type optional[T any] struct {
	val T
	set bool
}

func (o *optional[T]) Set(val T) { o.val = val; o.set = true }

func overrideOptional[T any](target, source *optional[T]) {
	if source.set {
		*target = *source
	}
}

func mergeOptional[T any](target, source *optional[T]) {
	if !target.set && source.set {
		target.val = source.val
		target.set = true
	}
}
