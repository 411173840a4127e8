package publish

import (
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Downstream consumers read navitia's realtime extension fields, which the
// stock GTFS-RT descriptors do not carry. They are written here as raw
// protobuf fields into each message's unknown-field region, with the tag
// numbers fixed below. Consumers compiled against the extended descriptors
// see ordinary extension fields.
const (
	// TripUpdate extensions.
	tagTripMessage    = 1000
	tagContributor    = 1001
	tagEffect         = 1002
	tagCompanyID      = 1003
	tagPhysicalModeID = 1004
	tagHeadsign       = 1005

	// StopTimeUpdate extensions.
	tagStopTimeMessage = 1000

	// StopTimeEvent extensions.
	tagStopTimeEventRelationship = 1000
	tagStopTimeEventStatus       = 1001
)

// StopTimeEventRelationship is the legacy per-event relationship enum.
type StopTimeEventRelationship int32

const (
	RelationshipScheduled StopTimeEventRelationship = 0
	RelationshipSkipped   StopTimeEventRelationship = 1
	RelationshipAdded     StopTimeEventRelationship = 2
)

// extWriter accumulates raw extension fields for one message.
type extWriter struct {
	raw []byte
}

func (w *extWriter) writeString(tag protowire.Number, value string) {
	if value == "" {
		return
	}
	w.raw = protowire.AppendTag(w.raw, tag, protowire.BytesType)
	w.raw = protowire.AppendString(w.raw, value)
}

func (w *extWriter) writeVarint(tag protowire.Number, value int64) {
	w.raw = protowire.AppendTag(w.raw, tag, protowire.VarintType)
	w.raw = protowire.AppendVarint(w.raw, uint64(value))
}

// apply attaches the accumulated fields to msg.
func (w *extWriter) apply(msg proto.Message) {
	if len(w.raw) == 0 {
		return
	}
	reflected := msg.ProtoReflect()
	reflected.SetUnknown(append(reflected.GetUnknown(), protoreflect.RawFields(w.raw)...))
}

// extFields reads the raw extension fields back out of msg. Strings come out
// as strings, varints as int64. Used by consumers of our own feeds and by
// tests.
func extFields(msg proto.Message) map[protowire.Number]interface{} {
	fields := make(map[protowire.Number]interface{})
	raw := msg.ProtoReflect().GetUnknown()
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return fields
		}
		raw = raw[n:]
		switch typ {
		case protowire.BytesType:
			value, n := protowire.ConsumeString(raw)
			if n < 0 {
				return fields
			}
			fields[num] = value
			raw = raw[n:]
		case protowire.VarintType:
			value, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return fields
			}
			fields[num] = int64(value)
			raw = raw[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return fields
			}
			raw = raw[n:]
		}
	}
	return fields
}

func extString(fields map[protowire.Number]interface{}, tag protowire.Number) string {
	if value, ok := fields[tag].(string); ok {
		return value
	}
	return ""
}

func extInt(fields map[protowire.Number]interface{}, tag protowire.Number) int64 {
	if value, ok := fields[tag].(int64); ok {
		return value
	}
	return 0
}
