// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultSubject is the NATS subject accepted transactions are
	// published on.
	DefaultSubject = "btcrawtx.tx.accepted"

	// TxIDHeader is the NATS header carrying the transaction id.
	TxIDHeader = "Txid"

	defaultReconnectWait = 2 * time.Second
)

// msgPublisher is the part of a NATS connection the announcer uses.
type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSAnnouncer publishes accepted transactions on a NATS subject. The
// message body is the serialized transaction and the txid travels in the
// Txid header.
type NATSAnnouncer struct {
	conn    msgPublisher
	close   func()
	subject string
}

// A compile time check to ensure NATSAnnouncer implements the Announcer
// interface.
var _ Announcer = (*NATSAnnouncer)(nil)

// NewNATSAnnouncer connects to the NATS server at url. An empty subject
// selects DefaultSubject.
func NewNATSAnnouncer(url, subject string,
	opts ...nats.Option) (*NATSAnnouncer, error) {

	if url == "" {
		url = nats.DefaultURL
	}

	opts = append([]nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(defaultReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warnf("Disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("Reconnected to NATS at %v", nc.ConnectedUrl())
		}),
	}, opts...)

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	announcer := newNATSAnnouncer(conn, subject)
	announcer.close = conn.Close

	return announcer, nil
}

func newNATSAnnouncer(conn msgPublisher, subject string) *NATSAnnouncer {
	if subject == "" {
		subject = DefaultSubject
	}

	return &NATSAnnouncer{
		conn:    conn,
		close:   func() {},
		subject: subject,
	}
}

// Announce implements the Announcer interface.
func (n *NATSAnnouncer) Announce(_ context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return err
	}

	msg := nats.NewMsg(n.subject)
	msg.Header.Set(TxIDHeader, tx.TxHash().String())
	msg.Data = buf.Bytes()

	return n.conn.PublishMsg(msg)
}

// Close closes the underlying connection.
func (n *NATSAnnouncer) Close() {
	n.close()
}

// RawTxSender is the part of a btcd rpcclient.Client the RPC announcer uses.
type RawTxSender interface {
	SendRawTransaction(tx *wire.MsgTx,
		allowHighFees bool) (*chainhash.Hash, error)
}

// RPCAnnouncer forwards accepted transactions to a remote node. The local
// pool already applied the fee ceiling, so the remote one is bypassed.
type RPCAnnouncer struct {
	client RawTxSender
}

// A compile time check to ensure RPCAnnouncer implements the Announcer
// interface.
var _ Announcer = (*RPCAnnouncer)(nil)

// NewRPCAnnouncer creates an announcer on top of an RPC client.
func NewRPCAnnouncer(client RawTxSender) *RPCAnnouncer {
	return &RPCAnnouncer{client: client}
}

// Announce implements the Announcer interface.
func (r *RPCAnnouncer) Announce(_ context.Context, tx *wire.MsgTx) error {
	_, err := r.client.SendRawTransaction(tx, true)
	return err
}

// MultiAnnouncer fans a transaction out to several announcers. Every
// announcer is tried and the failures are joined.
type MultiAnnouncer []Announcer

// A compile time check to ensure MultiAnnouncer implements the Announcer
// interface.
var _ Announcer = (MultiAnnouncer)(nil)

// Announce implements the Announcer interface.
func (m MultiAnnouncer) Announce(ctx context.Context, tx *wire.MsgTx) error {
	var errs []error
	for _, announcer := range m {
		if err := announcer.Announce(ctx, tx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
