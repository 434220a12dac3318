package pdmsg

import (
	"context"

	"github.com/ocr-go/ocr/internal/runlevel"
)

// Category maps a message Type to the coarser runlevel.MessageCategory
// used by the shutdown overlay's synthesize-or-cancel decision,
// reconciling the two categorizations recorded separately in
// DESIGN.md: pdmsg's per-operation Type enum and runlevel's
// shutdown-relevant MessageCategory.
func (t Type) Category() runlevel.MessageCategory {
	switch t {
	case TypeDbCreate, TypeDbAcquire, TypeDbRelease, TypeDbDestroy, TypeDbHint:
		return runlevel.CategoryDB
	case TypeWorkCreate, TypeWorkExecute, TypeWorkDestroy:
		return runlevel.CategoryWork
	case TypeEdtTemplateCreate, TypeEdtTemplateDestroy:
		return runlevel.CategoryTemplate
	case TypeEventCreate, TypeEventSatisfy, TypeEventDestroy:
		return runlevel.CategoryEvent
	case TypeDepAdd:
		return runlevel.CategoryDep
	case TypeGUIDInfo, TypeGUIDMetadataClone:
		return runlevel.CategoryGUID
	case TypeSchedNotify, TypeSchedGetWork:
		return runlevel.CategoryScheduler
	case TypeHintSet, TypeHintGet:
		return runlevel.CategoryHint
	case TypeOSCall:
		return runlevel.CategoryOSCall
	case TypePDMgtMove:
		return runlevel.CategoryPDManagement
	default:
		return runlevel.CategoryScheduler
	}
}

// Dispatcher routes envelopes arriving on a Ring to a PD's run-level
// node, applying the shutdown overlay before a handler ever sees the
// message: a REQ_RESPONSE envelope arriving at a shutting-down node in
// a tolerant category is answered with a synthetic RL_NOTIFY rather
// than reaching Handler at all.
type Dispatcher struct {
	Node    *runlevel.Node
	Ring    Ring
	Handler func(Envelope) (Payload, error)
}

// Pump drains Ring until ctx is done or the ring closes, routing each
// received envelope through the shutdown overlay and, if not
// intercepted, to Handler. Responses (synthetic or real) are submitted
// back onto the same Ring tagged with the original UserData.
func (d *Dispatcher) Pump(ctx context.Context) error {
	for {
		results, err := d.Ring.Receive(ctx)
		if err != nil {
			return err
		}
		for _, res := range results {
			d.handle(res)
		}
	}
}

func (d *Dispatcher) handle(res Result) {
	env := res.Envelope
	reqResponse := env.Flags.Has(FlagReqResponse)

	if synth, err := d.Node.Dispatch(env.Type.Category(), reqResponse); synth || err != nil {
		if synth {
			d.respond(res.UserData, env, RLNotifyPayload{Level: int(d.Node.Level())}, nil)
		} else {
			d.respond(res.UserData, env, nil, err)
		}
		return
	}

	if d.Handler == nil {
		return
	}
	payload, err := d.Handler(env)
	if reqResponse {
		d.respond(res.UserData, env, payload, err)
	}
}

func (d *Dispatcher) respond(userData uint64, req Envelope, payload Payload, err error) {
	resp := Envelope{
		Type:         req.Type,
		Flags:        FlagResponse,
		SrcLocation:  req.DestLocation,
		DestLocation: req.SrcLocation,
		UserData:     userData,
		Payload:      payload,
	}
	if err != nil {
		resp.Flags |= FlagResponseOverride
	}
	// Best-effort: a full outbound queue on the response path drops the
	// reply rather than blocking the pump loop on a struggling peer.
	_ = d.Ring.Submit(resp, userData)
}
