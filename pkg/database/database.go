// Package database journals peripheral state transitions to MongoDB.
package database

import (
	"context"
	"fmt"
	"time"

	"argus-powermeter/pkg/peripheral"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	connectTimeout = 10 * time.Second
	writeTimeout   = 5 * time.Second
	journalBuffer  = 128
)

// Connect opens a MongoDB client and pings it.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

// Inserter is the part of *mongo.Collection the journal writes through.
type Inserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// TransitionDoc is one journaled transition.
type TransitionDoc struct {
	Session string    `bson:"session"`
	At      time.Time `bson:"at"`
	From    string    `bson:"from"`
	To      string    `bson:"to"`
	Event   string    `bson:"event"`
	Conn    *uint16   `bson:"conn,omitempty"`
	Reason  *uint8    `bson:"reason,omitempty"`
}

// Journal writes transitions in the background. Record never blocks the
// caller; records arriving while the buffer is full are dropped.
type Journal struct {
	session string
	coll    Inserter
	log     logrus.FieldLogger
	docs    chan TransitionDoc
}

func NewJournal(coll Inserter, log logrus.FieldLogger) *Journal {
	session := uuid.NewString()
	return &Journal{
		session: session,
		coll:    coll,
		log:     log.WithFields(logrus.Fields{"component": "journal", "session": session}),
		docs:    make(chan TransitionDoc, journalBuffer),
	}
}

// Session identifies this process run in every document.
func (j *Journal) Session() string {
	return j.session
}

// Record is a peripheral.Observer.
func (j *Journal) Record(t peripheral.Transition) {
	select {
	case j.docs <- toDoc(j.session, t):
	default:
		j.log.WithField("event", peripheral.EventName(t.Event)).Warn("Journal buffer full, dropping transition")
	}
}

// Run inserts recorded transitions until ctx is done.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case doc := <-j.docs:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			if _, err := j.coll.InsertOne(wctx, doc); err != nil {
				j.log.WithError(err).Warn("Failed to journal transition")
			}
			cancel()
		}
	}
}

func toDoc(session string, t peripheral.Transition) TransitionDoc {
	doc := TransitionDoc{
		Session: session,
		At:      t.At.UTC(),
		From:    t.From.String(),
		To:      t.To.String(),
		Event:   peripheral.EventName(t.Event),
	}

	conn := func(c peripheral.ConnHandle) *uint16 { v := uint16(c); return &v }
	reason := func(r uint8) *uint8 { return &r }

	switch e := t.Event.(type) {
	case peripheral.ConnectEstablished:
		doc.Conn, doc.Reason = conn(e.Conn), reason(e.Status)
	case peripheral.Disconnected:
		doc.Conn, doc.Reason = conn(e.Conn), reason(e.Reason)
	case peripheral.AdvertisingComplete:
		doc.Reason = reason(e.Reason)
	case peripheral.ConnParamsUpdated:
		doc.Conn, doc.Reason = conn(e.Conn), reason(e.Status)
	case peripheral.MTUUpdated:
		doc.Conn = conn(e.Conn)
	case peripheral.NotifyTxFailed:
		doc.Conn = conn(e.Conn)
	}
	return doc
}

// Indexes returns the index models the journal collection expects.
func Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "session", Value: 1}, {Key: "at", Value: 1}}},
	}
}
