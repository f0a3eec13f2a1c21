package crosstalk

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	_ "github.com/crosstalkmq/crosstalk/transport/channel"
)

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestIDExports(t *testing.T) {
	first := CreateULID()
	second := CreateULID()
	if first == second {
		t.Fatal("ULIDs must be unique")
	}

	requestID := NewRequestID("api-1")
	if !strings.HasPrefix(requestID, "api-1-") {
		t.Fatalf("request ID %q lacks instance prefix", requestID)
	}
}

func TestEnvelopeExports(t *testing.T) {
	env := NewEnvelope("orders", []byte(`{"total":10}`))
	tagged, err := env.WithRequestID("api-1-req")
	if err != nil {
		t.Fatalf("tag envelope: %v", err)
	}
	if tagged.RequestID() != "api-1-req" {
		t.Fatalf("request ID = %q", tagged.RequestID())
	}
	if env.RequestID() != "" {
		t.Fatal("tagging must not mutate the original envelope")
	}
}

func TestErrorExports(t *testing.T) {
	err := error(&TimeoutError{RequestID: "req-1", Timeout: time.Second})
	if !IsTimeout(err) {
		t.Fatal("IsTimeout missed a TimeoutError")
	}

	var corrErr *CorrelationError
	if errors.As(err, &corrErr) {
		t.Fatal("timeout must not match CorrelationError")
	}
}

func TestServiceFacadeEndToEnd(t *testing.T) {
	svc, err := NewService(context.Background(), &Config{
		PubSubSystem: "channel",
		InstanceID:   "facade-test",
		Topics:       []string{"ALERT_TRIGGERED"},
	}, ServiceDependencies{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	if !svc.IsHealthy() {
		t.Fatal("expected healthy service")
	}

	client, err := svc.Hub().Connect("facade-client", "")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-client.C // connect ack
	svc.Hub().Subscribe("facade-client", ChannelFor("ALERT_TRIGGERED"))
	<-client.C // subscription ack

	env := NewEnvelope("ALERT_TRIGGERED", []byte(`{"severity":"low"}`))
	if err := svc.Send(context.Background(), "ALERT_TRIGGERED", env); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-client.C:
		if msg.Event != "alert" {
			t.Fatalf("event = %q, want alert", msg.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}
