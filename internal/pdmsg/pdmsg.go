// Package pdmsg implements the policy-domain message protocol of
// spec.md §6: a tagged enum of strongly-typed variants replacing the
// original PD_MSG_FIELD_* union (per spec.md §9's explicit redesign
// direction), a flag-bit envelope for request/response routing, and a
// transport Ring carrying marshalled messages between PDs. Grounded on
// internal/uring's Ring/Batch/Result interfaces and
// internal/ctrl/control.go's typed-command-over-ring shape: a command
// is built as a typed struct, marshalled into a buffer, and submitted
// with a user-data tag used to correlate the eventual completion.
package pdmsg

import (
	"fmt"

	"github.com/ocr-go/ocr/internal/guid"
)

// Type is the 24-bit-range message-type identifier. The real protocol
// packs this into the low bits of a 32-bit word alongside Flags; Go
// keeps them as separate fields rather than hand-rolling bitfield
// packing that buys nothing at this layer.
type Type uint32

const (
	TypeDbCreate Type = iota
	TypeDbAcquire
	TypeDbRelease
	TypeDbDestroy
	TypeDbHint
	TypeWorkCreate
	TypeWorkExecute
	TypeWorkDestroy
	TypeEdtTemplateCreate
	TypeEdtTemplateDestroy
	TypeEventCreate
	TypeEventSatisfy
	TypeEventDestroy
	TypeDepAdd
	TypeGUIDInfo
	TypeGUIDMetadataClone
	TypeSchedNotify
	TypeSchedGetWork
	TypeHintSet
	TypeHintGet
	TypeOSCall
	TypePDMgtMove
	TypeRLNotify
)

func (t Type) String() string {
	switch t {
	case TypeDbCreate:
		return "DB_CREATE"
	case TypeDbAcquire:
		return "DB_ACQUIRE"
	case TypeDbRelease:
		return "DB_RELEASE"
	case TypeDbDestroy:
		return "DB_DESTROY"
	case TypeDbHint:
		return "DB_HINT"
	case TypeWorkCreate:
		return "WORK_CREATE"
	case TypeWorkExecute:
		return "WORK_EXECUTE"
	case TypeWorkDestroy:
		return "WORK_DESTROY"
	case TypeEdtTemplateCreate:
		return "EDTTEMPLATE_CREATE"
	case TypeEdtTemplateDestroy:
		return "EDTTEMPLATE_DESTROY"
	case TypeEventCreate:
		return "EVENT_CREATE"
	case TypeEventSatisfy:
		return "EVENT_SATISFY"
	case TypeEventDestroy:
		return "EVENT_DESTROY"
	case TypeDepAdd:
		return "DEP_ADD"
	case TypeGUIDInfo:
		return "GUID_INFO"
	case TypeGUIDMetadataClone:
		return "GUID_METADATA_CLONE"
	case TypeSchedNotify:
		return "SCHED_NOTIFY"
	case TypeSchedGetWork:
		return "SCHED_GET_WORK"
	case TypeHintSet:
		return "HINT_SET"
	case TypeHintGet:
		return "HINT_GET"
	case TypeOSCall:
		return "OS_CALL"
	case TypePDMgtMove:
		return "PD_MGT_MOVE"
	case TypeRLNotify:
		return "RL_NOTIFY"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// Flags are the per-message routing bits of spec.md §6.
type Flags uint32

const (
	FlagRequest Flags = 1 << iota
	FlagResponse
	FlagReqResponse
	FlagResponseOverride
	FlagIgnorePreProcessScheduler
	FlagReqPostProcessScheduler
	FlagLocalProcess
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// MarshalMode names how a payload would cross the transport: a literal
// byte-for-byte copy, a copy the sender keeps its own reference to, an
// in-place append onto an existing buffer, or an additional side
// buffer alongside the fixed-size header. Named after spec.md §6's
// four marshalling strategies. It is carried on the Envelope only: the
// rings in this package pass envelopes by value and do not marshal
// payloads or read this field.
type MarshalMode int

const (
	ModeFullCopy MarshalMode = iota
	ModeDuplicate
	ModeAppend
	ModeAddl
)

// AddrFixup flags a payload field that names a datablock or GUID the
// receiver may resolve in a different namespace. Per spec.md §1 the
// exact cross-address-space fixup is named-not-engineered here: a
// single-process runtime never needs to rewrite addresses, so this is
// recorded on the field and otherwise inert. Kept so a future
// multi-process transport has somewhere to hook in without reshaping
// every payload type.
type AddrFixup int

const (
	FixupNone AddrFixup = iota
	FixupNSAddr
	FixupDBPtr
)

// Payload is implemented by every typed message body. Kind reports
// which Type it carries, so a Ring implementation can dispatch on the
// concrete type without a second lookup.
type Payload interface {
	Kind() Type
}

// Envelope is one message in flight: a typed payload plus the routing
// metadata a dispatcher needs before it even looks at the payload.
type Envelope struct {
	Type        Type
	Flags       Flags
	Mode        MarshalMode
	SrcLocation guid.Location
	DestLocation guid.Location
	UserData    uint64
	Payload     Payload
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s(src=%d dst=%d flags=%#x)", e.Type, e.SrcLocation, e.DestLocation, uint32(e.Flags))
}

// --- Typed payloads -------------------------------------------------
//
// Each corresponds to one of the original PD_MSG_FIELD_* blobs,
// replaced per spec.md §9 with a dedicated struct instead of a C
// union. Only the fields a handler actually reads are carried.

type DbCreatePayload struct {
	GUID   guid.GUID
	Size   uint64
	Fixup  AddrFixup
}

func (DbCreatePayload) Kind() Type { return TypeDbCreate }

type DbAcquirePayload struct {
	GUID     guid.GUID
	Edt      guid.GUID
	Mode     int
	Fixup    AddrFixup
}

func (DbAcquirePayload) Kind() Type { return TypeDbAcquire }

type DbReleasePayload struct {
	GUID guid.GUID
	Edt  guid.GUID
}

func (DbReleasePayload) Kind() Type { return TypeDbRelease }

type DbDestroyPayload struct {
	GUID guid.GUID
}

func (DbDestroyPayload) Kind() Type { return TypeDbDestroy }

type WorkCreatePayload struct {
	TemplateGUID guid.GUID
	GUID         guid.GUID
	ParamV       []int64
	DepV         []guid.GUID
}

func (WorkCreatePayload) Kind() Type { return TypeWorkCreate }

type WorkExecutePayload struct {
	GUID guid.GUID
}

func (WorkExecutePayload) Kind() Type { return TypeWorkExecute }

type WorkDestroyPayload struct {
	GUID guid.GUID
}

func (WorkDestroyPayload) Kind() Type { return TypeWorkDestroy }

type EventCreatePayload struct {
	GUID guid.GUID
	Kind guid.Kind
}

func (EventCreatePayload) Kind() Type { return TypeEventCreate }

type EventSatisfyPayload struct {
	GUID    guid.GUID
	Slot    int32
	Payload guid.GUID
}

func (EventSatisfyPayload) Kind() Type { return TypeEventSatisfy }

type EventDestroyPayload struct {
	GUID guid.GUID
}

func (EventDestroyPayload) Kind() Type { return TypeEventDestroy }

type DepAddPayload struct {
	Source guid.GUID
	Dest   guid.GUID
	Slot   int32
}

func (DepAddPayload) Kind() Type { return TypeDepAdd }

type GUIDInfoPayload struct {
	GUID guid.GUID
}

func (GUIDInfoPayload) Kind() Type { return TypeGUIDInfo }

type HintPayload struct {
	GUID  guid.GUID
	Key   string
	Value int64
}

func (HintPayload) Kind() Type { return TypeHintSet }

type RLNotifyPayload struct {
	Level int
}

func (RLNotifyPayload) Kind() Type { return TypeRLNotify }
