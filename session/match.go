package session

import "pkt.systems/kmdash/schema"

// Predicate decides whether an inbound message is of interest.
type Predicate func(schema.Message) bool

// MatchCommand matches messages echoing the command.
func MatchCommand(cmd schema.Command) Predicate {
	return func(msg schema.Message) bool {
		return msg.Command == cmd
	}
}

// MatchField matches messages whose top-level field equals value. Numbers
// and strings compare by their textual form.
func MatchField(name, value string) Predicate {
	return func(msg schema.Message) bool {
		got, ok := msg.Scalar(name)
		return ok && got == value
	}
}

// MatchHas matches messages carrying a non-null top-level field.
func MatchHas(name string) Predicate {
	return func(msg schema.Message) bool {
		return msg.Has(name)
	}
}

// MatchStatus matches messages carrying any of the statuses.
func MatchStatus(statuses ...schema.Status) Predicate {
	return func(msg schema.Message) bool {
		for _, status := range statuses {
			if msg.Status == status {
				return true
			}
		}
		return false
	}
}

// MatchOutput matches streamed output fragments.
func MatchOutput() Predicate {
	return func(msg schema.Message) bool {
		return msg.IsOutput()
	}
}

// MatchTerminal matches run conclusions.
func MatchTerminal() Predicate {
	return func(msg schema.Message) bool {
		return msg.IsTerminal()
	}
}

// MatchFrom matches run-tagged messages for one config.
func MatchFrom(id schema.ConfigID) Predicate {
	return func(msg schema.Message) bool {
		return msg.From != nil && msg.From.ConfigID == id
	}
}

// MatchUntagged matches messages that carry no run tag.
func MatchUntagged() Predicate {
	return func(msg schema.Message) bool {
		return msg.From == nil
	}
}

// All matches when every predicate matches. Nil predicates are skipped.
func All(preds ...Predicate) Predicate {
	return func(msg schema.Message) bool {
		for _, pred := range preds {
			if pred != nil && !pred(msg) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one predicate matches.
func Any(preds ...Predicate) Predicate {
	return func(msg schema.Message) bool {
		for _, pred := range preds {
			if pred != nil && pred(msg) {
				return true
			}
		}
		return false
	}
}

// CallOption tunes how a call recognises its reply.
type CallOption func(*callOptions)

type callOptions struct {
	match       Predicate
	correlation []string
}

// WithMatch replaces the default reply predicate.
func WithMatch(pred Predicate) CallOption {
	return func(o *callOptions) {
		o.match = pred
	}
}

// WithCorrelation requires the reply's field to equal the request's first
// argument, in addition to echoing the command.
func WithCorrelation(field string) CallOption {
	return func(o *callOptions) {
		if field != "" {
			o.correlation = append(o.correlation, field)
		}
	}
}

func (o callOptions) predicate(req schema.Request) Predicate {
	if o.match != nil {
		return o.match
	}
	preds := []Predicate{MatchCommand(req.Command)}
	if len(o.correlation) > 0 {
		arg, ok := req.Arg(0)
		if !ok {
			return func(schema.Message) bool { return false }
		}
		for _, field := range o.correlation {
			preds = append(preds, MatchField(field, arg))
		}
	}
	return All(preds...)
}
