package routing_test

import (
	"reflect"
	"testing"

	"github.com/next-trace/scg-message-bus/routing"
)

type ShipOrder struct{}

func TestRouter_Paths(t *testing.T) {
	r := routing.New("billing", "node 1")
	typ := reflect.TypeFor[ShipOrder]()

	tests := []struct {
		got, want string
	}{
		{r.CommandQueue(typ), "cmd.ShipOrder"},
		{r.RequestQueue(reflect.TypeFor[*ShipOrder]()), "req.ShipOrder"},
		{r.MulticastRequestTopic(typ), "mreq.ShipOrder"},
		{r.EventTopic(typ), "evt.ShipOrder"},
		{r.ReplyQueue(), "reply.billing.node-1"},
		{r.CompetingSubscription(), "billing"},
		{r.MulticastSubscription(), "billing.node-1"},
		{r.MulticastRequestSubscription(), "billing"},
	}

	for _, tc := range tests {
		if tc.got != tc.want {
			t.Fatalf("got %q, want %q", tc.got, tc.want)
		}
	}
}

func TestRouter_Defaults(t *testing.T) {
	r := routing.New("", "")
	if r.ReplyQueue() != "reply.app.0" {
		t.Fatalf("reply: %s", r.ReplyQueue())
	}
}
