// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skhacker105/gupshup/transport"
)

func frame(t *testing.T, dbID, from, to string, devices ...string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type": "sync-data-update", "dbId": dbID,
		"fromDeviceId": from, "toDeviceId": to, "devices": devices,
	})
	require.NoError(t, err)
	return raw
}

func TestRouteDirect(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)

	chA, err := svc.Register(ctx, "db1", "dev-a")
	require.NoError(t, err)
	chB, err := svc.Register(ctx, "db1", "dev-b")
	require.NoError(t, err)

	msg := frame(t, "db1", "dev-a", "dev-b")
	require.NoError(t, svc.Route(ctx, "db1", "dev-a", msg))

	select {
	case got := <-chB:
		require.JSONEq(t, string(msg), string(got))
	case <-time.After(time.Second):
		t.Fatal("target never received the frame")
	}
	select {
	case <-chA:
		t.Fatal("frame echoed to sender")
	default:
	}
}

func TestRouteBroadcastSkipsSender(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)

	chB, err := svc.Register(ctx, "db1", "dev-b")
	require.NoError(t, err)
	chC, err := svc.Register(ctx, "db1", "dev-c")
	require.NoError(t, err)

	msg := frame(t, "db1", "dev-a", "broadcast", "dev-a", "dev-b", "dev-c")
	require.NoError(t, svc.Route(ctx, "db1", "dev-a", msg))

	for _, ch := range []<-chan []byte{chB, chC} {
		select {
		case got := <-ch:
			require.JSONEq(t, string(msg), string(got))
		case <-time.After(time.Second):
			t.Fatal("broadcast target never received the frame")
		}
	}
}

func TestRouteRejectsMismatchedDatabase(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)
	err := svc.Route(ctx, "db1", "dev-a", frame(t, "db2", "dev-a", "dev-b"))
	require.Error(t, err)
}

func TestOfflineInboxDelivery(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)

	// dev-b offline: the frame parks in the inbox.
	msg := frame(t, "db1", "dev-a", "dev-b")
	require.NoError(t, svc.Route(ctx, "db1", "dev-a", msg))

	// It is queued ahead of live traffic when the device connects.
	chB, err := svc.Register(ctx, "db1", "dev-b")
	require.NoError(t, err)
	select {
	case got := <-chB:
		require.JSONEq(t, string(msg), string(got))
	case <-time.After(time.Second):
		t.Fatal("parked frame never delivered")
	}

	// Polling drain path.
	require.NoError(t, svc.Route(ctx, "db1", "dev-a", frame(t, "db1", "dev-a", "dev-x")))
	msgs, err := svc.Drain(ctx, "db1", "dev-x")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	msgs, err = svc.Drain(ctx, "db1", "dev-x")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestJWTAuthTokens(t *testing.T) {
	a := NewJWTAuth("test-secret")
	token, err := a.GenerateToken("db1", "dev-a", time.Hour)
	require.NoError(t, err)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "dev-a", claims.DeviceID)
	require.Equal(t, "db1", claims.Subject)

	_, err = a.ValidateToken(token + "x")
	require.Error(t, err)

	other := NewJWTAuth("other-secret")
	_, err = other.ValidateToken(token)
	require.Error(t, err)
}

func TestWebSocketEndToEnd(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	svc := NewService(NewMemoryStore(), nil)
	srv := httptest.NewServer(NewHandlers(svc, nil).Mux(jwtAuth))
	defer srv.Close()

	dial := func(deviceID string) *transport.WSTransport {
		token, err := jwtAuth.GenerateToken("db1", deviceID, time.Hour)
		require.NoError(t, err)
		tr, err := transport.NewWSTransport(transport.WSConfig{
			URL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync/ws",
			Header: http.Header{"Authorization": []string{"Bearer " + token}},
		})
		require.NoError(t, err)
		return tr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trA, trB := dial("dev-a"), dial("dev-b")
	require.NoError(t, trA.Connect(ctx))
	require.NoError(t, trB.Connect(ctx))
	defer trA.Close()
	defer trB.Close()

	waitKind(t, trA.Events(), transport.EventOpen)
	waitKind(t, trB.Events(), transport.EventOpen)

	msg := frame(t, "db1", "dev-a", "dev-b")
	require.NoError(t, trA.Send(msg))

	ev := waitKind(t, trB.Events(), transport.EventFrame)
	require.JSONEq(t, string(msg), string(ev.Data))
}

func waitKind(t *testing.T, ch <-chan transport.Event, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed")
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}
