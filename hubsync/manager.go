// Package hubsync implements the hub-and-spoke replication protocol. The
// creator device runs as the hub: it answers sync requests with a full
// snapshot or a delta and relays every spoke change to the other devices.
// Every other device runs as a spoke that talks only to the hub and resumes
// from a persisted Lamport watermark.
//
// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package hubsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/skhacker105/gupshup/cipherdb"
	"github.com/skhacker105/gupshup/transport"
)

// hubPeerKey is the single watermark key: each device syncs against one hub.
const hubPeerKey = "hub"

const defaultWatchdogTimeout = 30 * time.Second

// Config wires a Manager to its replica and transport.
type Config struct {
	Store     *cipherdb.Store
	Transport transport.Transport

	// IsHub selects hub mode; the creator device runs the hub.
	IsHub bool

	// HubDeviceID is the spoke's sync target. Ignored in hub mode.
	HubDeviceID string

	Logger *slog.Logger

	// WatchdogTimeout bounds a sync cycle: a cycle that never reaches
	// sync-end has its syncing flag cleared after this long, so local-change
	// forwarding resumes instead of stalling forever.
	WatchdogTimeout time.Duration
}

// Manager drives one device's side of the protocol. A single goroutine
// consumes transport events and local-change notifications, so protocol state
// (the syncing flag, the sync deadline) needs no locking.
type Manager struct {
	store       *cipherdb.Store
	tr          transport.Transport
	isHub       bool
	hubDeviceID string
	logger      *slog.Logger
	watchdog    time.Duration

	lastApplied atomic.Int64

	changes   <-chan cipherdb.Change
	cancelSub func()
	cancel    context.CancelFunc
	done      chan struct{}

	// Owned by the run goroutine.
	syncing      bool
	syncDeadline time.Time
}

// NewManager validates the config and builds a stopped manager.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil || cfg.Store == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("hubsync: store and transport are required")
	}
	if !cfg.IsHub && cfg.HubDeviceID == "" {
		return nil, fmt.Errorf("hubsync: spoke mode requires the hub device id")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	watchdog := cfg.WatchdogTimeout
	if watchdog <= 0 {
		watchdog = defaultWatchdogTimeout
	}
	return &Manager{
		store:       cfg.Store,
		tr:          cfg.Transport,
		isHub:       cfg.IsHub,
		hubDeviceID: cfg.HubDeviceID,
		logger:      logger,
		watchdog:    watchdog,
	}, nil
}

// Start loads the persisted watermark, subscribes to local changes and
// connects the transport. The watermark is read before the transport dials so
// a restart resumes the cycle it left off at.
func (m *Manager) Start(ctx context.Context) error {
	st, err := m.store.GetPeerSyncState(ctx, hubPeerKey)
	if err != nil {
		return err
	}
	m.lastApplied.Store(st.LastLamport)

	m.changes, m.cancelSub = m.store.Subscribe()
	m.done = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if err := m.tr.Connect(runCtx); err != nil {
		cancel()
		m.cancelSub()
		return err
	}
	go m.run(runCtx)
	m.logger.Info("sync manager started",
		"db", m.store.DBID(), "device", m.store.DeviceID(), "hub", m.isHub, "watermark", st.LastLamport)
	return nil
}

// Stop halts the run loop and closes the transport.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.tr.Close()
	m.cancelSub()
	<-m.done
}

// LastAppliedLamport returns the current watermark.
func (m *Manager) LastAppliedLamport() int64 { return m.lastApplied.Load() }

// RequestInitialSync asks the hub for everything past the watermark. Safe to
// call repeatedly; re-requesting from the same watermark is a no-op for
// convergence. The run loop also issues it on every transport open.
func (m *Manager) RequestInitialSync() {
	if m.isHub {
		return
	}
	m.send(&Message{
		Type:         MsgSyncRequest,
		DBID:         m.store.DBID(),
		FromDeviceID: m.store.DeviceID(),
		ToDeviceID:   m.hubDeviceID,
		FromLamport:  m.lastApplied.Load(),
	})
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.watchdog / 4)
	defer ticker.Stop()

	events := m.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.EventOpen:
				if !m.isHub {
					m.RequestInitialSync()
				}
			case transport.EventFrame:
				m.handleFrame(ctx, ev.Data)
			case transport.EventClosed:
				if ev.Err != nil {
					m.logger.Warn("transport connection lost", "db", m.store.DBID(), "error", ev.Err)
				}
			}

		case change, ok := <-m.changes:
			if !ok {
				return
			}
			// Changes made while a batch is being applied stay local until
			// the cycle ends; the hub would echo them back otherwise.
			if m.syncing {
				continue
			}
			m.sendDataUpdate(ctx, &change, "")

		case <-ticker.C:
			if m.syncing && time.Now().After(m.syncDeadline) {
				m.logger.Warn("sync cycle stalled, clearing syncing flag", "db", m.store.DBID())
				m.syncing = false
			}
		}
	}
}

func (m *Manager) handleFrame(ctx context.Context, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Warn("malformed sync frame dropped", "error", err)
		return
	}
	if msg.DBID != m.store.DBID() {
		return
	}

	switch msg.Type {
	case MsgSyncRequest:
		if m.isHub {
			m.handleSyncRequest(ctx, &msg)
		}
	case MsgSyncResponse:
		if !m.isHub {
			m.beginSyncCycle()
			if msg.Mode == ModeFull && msg.Schema != nil {
				if err := m.store.EnsureSchema(msg.Schema); err != nil {
					m.logger.Error("apply schema from full sync failed", "error", err)
				}
			}
		}
	case MsgSyncDataUpdate:
		m.handleDataUpdate(ctx, &msg)
	case MsgSyncEnd:
		m.syncing = false
		m.logger.Info("sync cycle finished", "db", m.store.DBID(), "watermark", m.lastApplied.Load())
	}
}

func (m *Manager) beginSyncCycle() {
	m.syncing = true
	m.syncDeadline = time.Now().Add(m.watchdog)
}

// handleSyncRequest serves one spoke: a full snapshot when it has nothing, a
// changelog delta otherwise.
func (m *Manager) handleSyncRequest(ctx context.Context, msg *Message) {
	m.beginSyncCycle()
	defer func() { m.syncing = false }()

	to := msg.FromDeviceID
	if msg.FromLamport <= 0 {
		m.logger.Info("serving full snapshot", "db", m.store.DBID(), "to", to)
		m.send(&Message{
			Type: MsgSyncResponse, DBID: m.store.DBID(), Mode: ModeFull,
			Schema: m.store.Schema(), FromDeviceID: m.store.DeviceID(), ToDeviceID: to,
		})
		if err := m.streamSnapshot(ctx, to); err != nil {
			m.logger.Error("full snapshot failed", "to", to, "error", err)
		}
	} else {
		changes, err := m.store.GetChangesSince(ctx, msg.FromLamport)
		if err != nil {
			m.logger.Error("load delta failed", "from", msg.FromLamport, "error", err)
			return
		}
		m.logger.Info("serving delta", "db", m.store.DBID(), "to", to, "from", msg.FromLamport, "changes", len(changes))
		m.send(&Message{
			Type: MsgSyncResponse, DBID: m.store.DBID(), Mode: ModeDelta,
			FromDeviceID: m.store.DeviceID(), ToDeviceID: to,
		})
		for i := range changes {
			m.sendDataUpdate(ctx, &changes[i], to)
		}
	}
	m.send(&Message{Type: MsgSyncEnd, DBID: m.store.DBID(), FromDeviceID: m.store.DeviceID(), ToDeviceID: to})
}

// streamSnapshot sends every data row as a lamport-0 encrypted upsert, then
// the device, role and policy rows. The receiver rebuilds its own changelog
// and blind index.
func (m *Manager) streamSnapshot(ctx context.Context, to string) error {
	snap, err := m.store.ExportCipherSnapshot(ctx)
	if err != nil {
		return err
	}
	self := m.store.DeviceID()

	for store, recs := range snap.Stores {
		for _, rec := range recs {
			value, err := json.Marshal(rec.Envelope)
			if err != nil {
				return err
			}
			m.sendDataUpdate(ctx, &cipherdb.Change{
				Type: cipherdb.ChangeUpsert, Store: store, Key: rec.ID,
				Value: value, Enc: true, DeviceID: self,
			}, to)
		}
	}
	for _, d := range snap.Devices {
		value, err := json.Marshal(d)
		if err != nil {
			return err
		}
		m.sendDataUpdate(ctx, &cipherdb.Change{
			Type: cipherdb.ChangeDeviceUpsert, Store: "_devices", Key: d.DeviceID,
			Value: value, DeviceID: self,
		}, to)
	}
	for _, r := range snap.Roles {
		value, err := json.Marshal(r)
		if err != nil {
			return err
		}
		m.sendDataUpdate(ctx, &cipherdb.Change{
			Type: cipherdb.ChangeRoleUpsert, Store: "_roles", Key: r.Name,
			Value: value, DeviceID: self,
		}, to)
	}
	for store, pol := range snap.Policies {
		value, err := json.Marshal(struct {
			Store  string           `json:"store"`
			Policy *cipherdb.Policy `json:"policy"`
		}{store, pol})
		if err != nil {
			return err
		}
		m.sendDataUpdate(ctx, &cipherdb.Change{
			Type: cipherdb.ChangePolicyUpsert, Store: "_policies", Key: store,
			Value: value, DeviceID: self,
		}, to)
	}
	return nil
}

// handleDataUpdate applies one replicated change, advances the watermark past
// it and, on the hub, relays it to the other devices.
func (m *Manager) handleDataUpdate(ctx context.Context, msg *Message) {
	if msg.Change == nil {
		return
	}
	if m.syncing {
		// A flowing batch is progress; push the stall deadline out.
		m.syncDeadline = time.Now().Add(m.watchdog)
	}
	if err := m.store.ApplyRemoteChange(ctx, *msg.Change); err != nil {
		m.logger.Error("apply remote change failed", "seq", msg.Change.Seq, "error", err)
		return
	}

	if l := msg.Change.Lamport; l > m.lastApplied.Load() {
		m.lastApplied.Store(l)
		if err := m.store.SetPeerSyncState(ctx, hubPeerKey, l); err != nil {
			m.logger.Error("persist watermark failed", "lamport", l, "error", err)
		}
	}

	// Star topology: the hub forwards every spoke change onward.
	if m.isHub && msg.FromDeviceID != m.store.DeviceID() {
		m.relay(ctx, msg)
	}
}

// relay re-broadcasts a spoke's change to every other device.
func (m *Manager) relay(ctx context.Context, msg *Message) {
	devices, err := m.fanoutTargets(ctx, msg.FromDeviceID)
	if err != nil {
		m.logger.Error("list fan-out targets failed", "error", err)
		return
	}
	if len(devices) == 0 {
		return
	}
	m.send(&Message{
		Type: MsgSyncDataUpdate, DBID: m.store.DBID(),
		FromDeviceID: m.store.DeviceID(), ToDeviceID: Broadcast,
		Change: msg.Change, Devices: devices,
	})
}

func (m *Manager) sendDataUpdate(ctx context.Context, change *cipherdb.Change, to string) {
	msg := &Message{
		Type: MsgSyncDataUpdate, DBID: m.store.DBID(),
		FromDeviceID: m.store.DeviceID(), Change: change,
	}
	switch {
	case to != "":
		msg.ToDeviceID = to
	case m.isHub:
		devices, err := m.fanoutTargets(ctx, "")
		if err != nil {
			m.logger.Error("list fan-out targets failed", "error", err)
			return
		}
		if len(devices) == 0 {
			return
		}
		msg.ToDeviceID = Broadcast
		msg.Devices = devices
	default:
		msg.ToDeviceID = m.hubDeviceID
	}
	m.send(msg)
}

// fanoutTargets lists every known device except this one and, when set, the
// change's originator.
func (m *Manager) fanoutTargets(ctx context.Context, exclude string) ([]string, error) {
	devices, err := m.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		if d.DeviceID == m.store.DeviceID() || d.DeviceID == exclude {
			continue
		}
		out = append(out, d.DeviceID)
	}
	return out, nil
}

func (m *Manager) send(msg *Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("encode sync message failed", "type", string(msg.Type), "error", err)
		return
	}
	if err := m.tr.Send(raw); err != nil {
		m.logger.Warn("send sync message failed", "type", string(msg.Type), "error", err)
	}
}
