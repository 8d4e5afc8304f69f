package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"argus-powermeter/pkg/peripheral"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type fakeCollection struct {
	mu   sync.Mutex
	docs []interface{}
	err  error
}

func (c *fakeCollection) InsertOne(_ context.Context, doc interface{}, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.docs = append(c.docs, doc)
	return &mongo.InsertOneResult{}, nil
}

func (c *fakeCollection) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}

var at = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestToDoc(t *testing.T) {
	cases := []struct {
		name   string
		tr     peripheral.Transition
		event  string
		conn   *uint16
		reason *uint8
	}{
		{
			name:  "start",
			tr:    peripheral.Transition{From: peripheral.Idle, To: peripheral.Advertising, At: at},
			event: "start",
		},
		{
			name:   "connect",
			tr:     peripheral.Transition{From: peripheral.Advertising, To: peripheral.Connected, Event: peripheral.ConnectEstablished{Conn: 7}, At: at},
			event:  "connect",
			conn:   ptr[uint16](7),
			reason: ptr[uint8](0),
		},
		{
			name:   "disconnect",
			tr:     peripheral.Transition{From: peripheral.Connected, To: peripheral.Advertising, Event: peripheral.Disconnected{Conn: 7, Reason: 0x13}, At: at},
			event:  "disconnect",
			conn:   ptr[uint16](7),
			reason: ptr[uint8](0x13),
		},
		{
			name:  "subscribe",
			tr:    peripheral.Transition{From: peripheral.Connected, To: peripheral.Connected, Event: peripheral.SubscriptionChanged{Attr: 0x10, Notify: true}, At: at},
			event: "subscribe",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := toDoc("s1", tc.tr)

			assert.Equal(t, "s1", doc.Session)
			assert.Equal(t, at, doc.At)
			assert.Equal(t, tc.tr.From.String(), doc.From)
			assert.Equal(t, tc.tr.To.String(), doc.To)
			assert.Equal(t, tc.event, doc.Event)
			assert.Equal(t, tc.conn, doc.Conn)
			assert.Equal(t, tc.reason, doc.Reason)
		})
	}
}

func TestJournalWritesRecords(t *testing.T) {
	coll := &fakeCollection{}
	log, _ := test.NewNullLogger()
	j := NewJournal(coll, log)
	require.NotEmpty(t, j.Session())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	j.Record(peripheral.Transition{From: peripheral.Idle, To: peripheral.Advertising, At: at})
	j.Record(peripheral.Transition{From: peripheral.Advertising, To: peripheral.Connected, Event: peripheral.ConnectEstablished{Conn: 1}, At: at})

	assert.Eventually(t, func() bool { return coll.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestJournalDropsWhenFull(t *testing.T) {
	log, hook := test.NewNullLogger()
	j := NewJournal(&fakeCollection{}, log)

	for i := 0; i < journalBuffer+3; i++ {
		j.Record(peripheral.Transition{From: peripheral.Idle, To: peripheral.Advertising, At: at})
	}

	assert.Len(t, j.docs, journalBuffer)
	require.Len(t, hook.Entries, 3)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestJournalSurvivesInsertErrors(t *testing.T) {
	coll := &fakeCollection{err: errors.New("server selection timeout")}
	log, hook := test.NewNullLogger()
	j := NewJournal(coll, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	j.Record(peripheral.Transition{From: peripheral.Idle, To: peripheral.Advertising, At: at})
	assert.Eventually(t, func() bool { return len(hook.AllEntries()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func ptr[T any](v T) *T { return &v }
