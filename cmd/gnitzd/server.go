// Copyright (C) 2024 GnitzDB Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/gnitzdb/gnitz/engine"
	"github.com/gnitzdb/gnitz/ipc"
	"github.com/gnitzdb/gnitz/zset"
)

// daemon accepts SOCK_SEQPACKET connections and speaks the ipc package's
// framed protocol over each one. Every message names a target table or
// view id (ipc.Header.TargetID): one carrying rows is an ingest, applied
// then cascaded through exec.Executor.Evaluate; one carrying zero rows
// is a subscribe request, registering the sender's assigned client id
// against that view in _subscriptions (engine.Subscribe). There is no
// separate opcode field -- RowCount already distinguishes the two, and
// both are just deltas against a Z-set either way.
//
// Serve accepts connections on its own goroutine and hands each one to a
// goroutine of its own (handleConn) for its decode/apply/reply loop,
// since that is the idiomatic way to multiplex blocking socket reads in
// Go and needs no hand-rolled poll(2) loop. But every call that actually
// mutates the engine is funneled through runLoop, a single goroutine
// reading off reqCh, so ingestions stay totally LSN-ordered and each
// one's cascade completes before the next begins (§5's ordering
// guarantee) even though I/O itself is concurrent.
type daemon struct {
	logger     *log.Logger
	socketPath string
	ln         *net.UnixListener
	eng        *engine.Engine

	mu      sync.Mutex
	clients map[uint64]*net.UnixConn

	reqCh chan engineRequest
	wg    sync.WaitGroup
}

type engineRequest struct {
	targetID uint64
	clientID uint64
	batch    *zset.Batch // nil: subscribe request, not an ingest
	reply    chan error
}

// newDaemon loads configuration (a YAML file at configPath if given,
// engine.DefaultConfig otherwise, with dataDir/socketPath CLI flags
// overriding either), opens the engine over the resulting data
// directory, and binds its listening socket.
func newDaemon(configPath, dataDirOverride, socketPathOverride string, logger *log.Logger) (*daemon, error) {
	cfg := engine.DefaultConfig()
	if configPath != "" {
		loaded, err := engine.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if dataDirOverride != "" {
		cfg.DataDir = dataDirOverride
	}
	if socketPathOverride != "" {
		cfg.SocketPath = socketPathOverride
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("gnitzd: data dir: %w", err)
	}
	k0, k1, err := loadOrCreateHashKeys(filepath.Join(cfg.DataDir, "hashkeys"))
	if err != nil {
		return nil, fmt.Errorf("gnitzd: hash keys: %w", err)
	}

	d := &daemon{
		logger:     logger,
		socketPath: cfg.SocketPath,
		clients:    make(map[uint64]*net.UnixConn),
		reqCh:      make(chan engineRequest, 64),
	}

	eng, err := engine.Open(cfg, k0, k1, d, logger)
	if err != nil {
		return nil, fmt.Errorf("gnitzd: engine.Open: %w", err)
	}
	d.eng = eng

	os.Remove(cfg.SocketPath)
	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: cfg.SocketPath, Net: "unixpacket"})
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("gnitzd: listen %s: %w", cfg.SocketPath, err)
	}
	d.ln = ln

	return d, nil
}

// loadOrCreateHashKeys reads a persisted siphash key pair from path,
// generating and saving a fresh pair on first run. engine.Open's doc
// comment requires k0/k1 to survive a restart so every table reopens the
// same MemTable hash layout; a fresh random pair on every launch would
// silently change which bucket a given string lands in.
func loadOrCreateHashKeys(path string) (uint64, uint64, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == 16 {
		return binary.LittleEndian.Uint64(data[0:8]), binary.LittleEndian.Uint64(data[8:16]), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return 0, 0, err
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return 0, 0, err
	}
	if err := os.WriteFile(path, buf, 0600); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint64(buf[8:16]), nil
}

// newClientID derives a connection identifier from a fresh random UUID.
// A counter would need persisting across restarts for no benefit --
// client ids are connection-scoped, never written anywhere durable
// except as the client_id column of a live _subscriptions row, which
// Executor.Disconnect already retracts the moment the socket drops.
func newClientID() uint64 {
	id := uuid.New()
	return binary.LittleEndian.Uint64(id[:8])
}

// Serve starts the engine request loop and then blocks accepting
// connections until the listener is closed.
func (d *daemon) Serve() error {
	go d.runLoop()

	for {
		conn, err := d.ln.AcceptUnix()
		if err != nil {
			return err
		}

		clientID := newClientID()
		d.mu.Lock()
		d.clients[clientID] = conn
		d.mu.Unlock()

		if err := ipc.SendBatch(conn, 0, nil, ipc.StatusOK, "", clientID); err != nil {
			d.logger.Printf("gnitzd: client %d: hello: %v", clientID, err)
			d.dropClient(clientID)
			continue
		}

		d.wg.Add(1)
		go d.handleConn(clientID, conn)
	}
}

// runLoop is the only goroutine that ever calls IngestBatch, Evaluate, or
// Subscribe, which is what keeps those calls single-writer even though
// connection I/O is not.
func (d *daemon) runLoop() {
	for req := range d.reqCh {
		var err error
		if req.batch == nil {
			_, err = d.eng.Subscribe(req.targetID, req.clientID)
		} else {
			err = d.ingestAndCascade(req.targetID, req.batch)
		}
		req.reply <- err
	}
}

func (d *daemon) ingestAndCascade(targetID uint64, batch *zset.Batch) error {
	tbl, err := d.eng.Table(targetID)
	if err != nil {
		return err
	}
	if err := tbl.IngestBatch(batch); err != nil {
		return err
	}
	return d.eng.Cascade.Evaluate(targetID, batch)
}

func (d *daemon) submit(req engineRequest) error {
	req.reply = make(chan error, 1)
	d.reqCh <- req
	return <-req.reply
}

func (d *daemon) handleConn(clientID uint64, conn *net.UnixConn) {
	defer d.wg.Done()

	for {
		p, err := ipc.ReceivePayload(conn, d.eng)
		if err != nil {
			break
		}

		applyErr := d.submit(engineRequest{targetID: p.TargetID, clientID: clientID, batch: p.Batch})
		p.Close()

		if applyErr != nil {
			if sendErr := ipc.SendError(conn, applyErr.Error(), p.TargetID, clientID); sendErr != nil {
				d.logger.Printf("gnitzd: client %d: send error reply: %v", clientID, sendErr)
				break
			}
			continue
		}
		if sendErr := ipc.SendBatch(conn, p.TargetID, nil, ipc.StatusOK, "", clientID); sendErr != nil {
			d.logger.Printf("gnitzd: client %d: ack: %v", clientID, sendErr)
			break
		}
	}

	d.dropClient(clientID)
	if err := d.eng.Cascade.Disconnect(clientID); err != nil {
		d.logger.Printf("gnitzd: client %d: disconnect cleanup: %v", clientID, err)
	}
}

func (d *daemon) dropClient(clientID uint64) {
	d.mu.Lock()
	conn, ok := d.clients[clientID]
	delete(d.clients, clientID)
	d.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Broadcast implements exec.Broadcaster: it sends batch to every
// subscriber socket in turn, returning the client ids whose send failed
// so Executor retracts their subscriptions. Each send is its own
// ipc.SendBatch call, so batch is serialized into a separate memfd for
// every subscriber; no serialized segment is shared between them.
func (d *daemon) Broadcast(viewID uint64, batch *zset.Batch, clientIDs []uint64) []uint64 {
	var unreachable []uint64
	for _, id := range clientIDs {
		d.mu.Lock()
		conn, ok := d.clients[id]
		d.mu.Unlock()
		if !ok {
			unreachable = append(unreachable, id)
			continue
		}
		if err := ipc.SendBatch(conn, viewID, batch, ipc.StatusOK, "", id); err != nil {
			unreachable = append(unreachable, id)
		}
	}
	return unreachable
}

// Shutdown closes the listener and every live client socket (unblocking
// their handleConn goroutines out of their blocking reads), waits for
// them to finish up to ctx's deadline, and closes the engine.
func (d *daemon) Shutdown(ctx context.Context) error {
	d.ln.Close()

	d.mu.Lock()
	for id, conn := range d.clients {
		conn.Close()
		delete(d.clients, id)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	os.Remove(d.socketPath)
	return d.eng.Close()
}
