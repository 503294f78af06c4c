// Package routing derives queue, topic and subscription names from contract types.
package routing

import (
	"reflect"
	"strings"

	"github.com/next-trace/scg-message-bus/codec"
)

const (
	cmdPrefix       = "cmd."
	reqPrefix       = "req."
	mreqPrefix      = "mreq."
	evtPrefix       = "evt."
	replyPrefix     = "reply."
	defaultAppName  = "app"
	defaultInstance = "0"
)

// Router names endpoints for one application instance.
// Competing subscriptions are shared by every instance of an application;
// multicast subscriptions are unique per instance.
type Router struct {
	app      string
	instance string
}

// New returns a Router for the given application and instance names.
func New(app, instance string) Router {
	if app == "" {
		app = defaultAppName
	}

	if instance == "" {
		instance = defaultInstance
	}

	return Router{app: sanitize(app), instance: sanitize(instance)}
}

func (r Router) CommandQueue(t reflect.Type) string { return cmdPrefix + codec.ShortName(t) }

func (r Router) RequestQueue(t reflect.Type) string { return reqPrefix + codec.ShortName(t) }

func (r Router) MulticastRequestTopic(t reflect.Type) string { return mreqPrefix + codec.ShortName(t) }

func (r Router) EventTopic(t reflect.Type) string { return evtPrefix + codec.ShortName(t) }

// ReplyQueue is the per-instance queue that receives responses to this instance's requests.
func (r Router) ReplyQueue() string { return replyPrefix + r.app + "." + r.instance }

// CompetingSubscription is shared by every instance of the application.
func (r Router) CompetingSubscription() string { return r.app }

// MulticastSubscription is unique to this instance.
func (r Router) MulticastSubscription() string { return r.app + "." + r.instance }

// MulticastRequestSubscription is shared by the application so that each application answers once.
func (r Router) MulticastRequestSubscription() string { return r.app }

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '*', '>', '\t':
			return '-'
		default:
			return r
		}
	}, s)
}
