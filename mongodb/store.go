// Package mongodb provides a MongoDB-backed persistent store. Claims use
// findAndModify, which is atomic per document.
package mongodb

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/queuectl/queuectl"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "queuectl_jobs"
)

// Store represents a MongoDB-based storage backend.
// It implements the queuectl.Store interface.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	collectionName string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Strong, true)
	st.session.SetSocketTimeout(socketTimeout)

	st.db = st.session.DB(dbname)
	st.coll = st.db.C(st.collectionName)

	return st, nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		return queuectl.ErrNotFound
	}
	return err
}

// Start creates the indexes backing the eligibility predicate.
func (s *Store) Start(ctx context.Context) error {
	if err := s.coll.EnsureIndexKey("state"); err != nil {
		return err
	}
	if err := s.coll.EnsureIndexKey("next_retry_at"); err != nil {
		return err
	}
	return s.coll.EnsureIndexKey("created_at")
}

// Create adds a new job to the store.
func (s *Store) Create(ctx context.Context, job *queuectl.Job) error {
	err := s.coll.Insert(newJobDoc(job))
	if mgo.IsDup(err) {
		return queuectl.ErrDuplicateID
	}
	return err
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*queuectl.Job, error) {
	var d jobDoc
	if err := s.coll.FindId(id).One(&d); err != nil {
		return nil, s.wrapError(err)
	}
	return d.toJob(), nil
}

// List returns jobs matching the request, newest first.
func (s *Store) List(ctx context.Context, req *queuectl.ListRequest) (*queuectl.ListResponse, error) {
	query := bson.M{}
	if req.State != "" {
		query["state"] = req.State
	}
	rsp := &queuectl.ListResponse{}
	count, err := s.coll.Find(query).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	rsp.Total = count

	var list []*jobDoc
	err = s.coll.Find(query).Sort("-created_at", "-_id").Limit(req.Limit).All(&list)
	if err != nil {
		return nil, s.wrapError(err)
	}
	for _, d := range list {
		rsp.Jobs = append(rsp.Jobs, d.toJob())
	}
	return rsp, nil
}

// Claim atomically picks the oldest eligible job and locks it for the
// given worker. findAndModify guarantees that at most one caller wins a
// given document.
func (s *Store) Claim(ctx context.Context, workerID string, now, staleCutoff time.Time) (*queuectl.Job, error) {
	// Unset lock columns are stored as "" and 0, so the stale comparison
	// alone covers the unlocked case, and a zero next_retry_at is always
	// eligible.
	query := bson.M{
		"state": bson.M{"$in": []string{queuectl.Pending, queuectl.Failed}},
		"next_retry_at": bson.M{"$lte": now.UnixNano()},
		"$or": []bson.M{
			{"locked_by": ""},
			{"locked_at": bson.M{"$lt": staleCutoff.UnixNano()}},
		},
	}
	change := mgo.Change{
		Update: bson.M{"$set": bson.M{
			"state":      queuectl.Processing,
			"locked_by":  workerID,
			"locked_at":  now.UnixNano(),
			"updated_at": now.UnixNano(),
		}},
		ReturnNew: true,
	}
	var d jobDoc
	_, err := s.coll.Find(query).Sort("created_at", "_id").Apply(change, &d)
	if err == mgo.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.toJob(), nil
}

// UpdateLocked applies the update iff the job is still locked by lockedBy.
func (s *Store) UpdateLocked(ctx context.Context, id, lockedBy string, update *queuectl.JobUpdate) error {
	if lockedBy == "" {
		return queuectl.ErrLockLost
	}
	var nextRetryAt int64
	if !update.NextRetryAt.IsZero() {
		nextRetryAt = update.NextRetryAt.UnixNano()
	}
	err := s.coll.Update(
		bson.M{"_id": id, "locked_by": lockedBy},
		bson.M{"$set": bson.M{
			"state":         update.State,
			"attempts":      update.Attempts,
			"error":         update.Error,
			"output":        update.Output,
			"next_retry_at": nextRetryAt,
			"locked_by":     "",
			"locked_at":     int64(0),
			"updated_at":    time.Now().UTC().UnixNano(),
		}},
	)
	if err == mgo.ErrNotFound {
		return queuectl.ErrLockLost
	}
	return err
}

// ListStale returns processing jobs whose lock is older than the cutoff.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]*queuectl.Job, error) {
	var list []*jobDoc
	err := s.coll.Find(bson.M{
		"state":     queuectl.Processing,
		"locked_by": bson.M{"$ne": ""},
		"locked_at": bson.M{"$lt": cutoff.UnixNano()},
	}).Sort("locked_at").All(&list)
	if err != nil {
		return nil, s.wrapError(err)
	}
	jobs := make([]*queuectl.Job, len(list))
	for i, d := range list {
		jobs[i] = d.toJob()
	}
	return jobs, nil
}

// ResetForRetry moves a dead job back to pending.
func (s *Store) ResetForRetry(ctx context.Context, id string) error {
	err := s.coll.Update(
		bson.M{"_id": id, "state": queuectl.Dead},
		bson.M{"$set": bson.M{
			"state":         queuectl.Pending,
			"attempts":      0,
			"error":         "",
			"output":        "",
			"next_retry_at": int64(0),
			"locked_by":     "",
			"locked_at":     int64(0),
			"updated_at":    time.Now().UTC().UnixNano(),
		}},
	)
	if err == mgo.ErrNotFound {
		n, err := s.coll.FindId(id).Count()
		if err != nil {
			return err
		}
		if n == 0 {
			return queuectl.ErrNotFound
		}
		return queuectl.ErrNotInDLQ
	}
	return err
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context) (*queuectl.Stats, error) {
	stats := &queuectl.Stats{}
	for _, state := range []string{queuectl.Pending, queuectl.Processing, queuectl.Completed, queuectl.Failed, queuectl.Dead} {
		n, err := s.coll.Find(bson.M{"state": state}).Count()
		if err != nil {
			return nil, s.wrapError(err)
		}
		stats.Add(state, n)
	}
	return stats, nil
}

// -- MongoDB-internal representation of a job --

type jobDoc struct {
	ID          string `bson:"_id"`
	Command     string `bson:"command"`
	State       string `bson:"state"`
	Attempts    int    `bson:"attempts"`
	MaxRetries  int    `bson:"max_retries"`
	CreatedAt   int64  `bson:"created_at"`
	UpdatedAt   int64  `bson:"updated_at"`
	LockedBy    string `bson:"locked_by"`
	LockedAt    int64  `bson:"locked_at"`
	NextRetryAt int64  `bson:"next_retry_at"`
	Error       string `bson:"error"`
	Output      string `bson:"output"`
}

func newJobDoc(job *queuectl.Job) *jobDoc {
	d := &jobDoc{
		ID:         job.ID,
		Command:    job.Command,
		State:      job.State,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		CreatedAt:  job.CreatedAt.UnixNano(),
		UpdatedAt:  job.UpdatedAt.UnixNano(),
		LockedBy:   job.LockedBy,
		Error:      job.Error,
		Output:     job.Output,
	}
	if !job.LockedAt.IsZero() {
		d.LockedAt = job.LockedAt.UnixNano()
	}
	if !job.NextRetryAt.IsZero() {
		d.NextRetryAt = job.NextRetryAt.UnixNano()
	}
	return d
}

func (d *jobDoc) toJob() *queuectl.Job {
	job := &queuectl.Job{
		ID:         d.ID,
		Command:    d.Command,
		State:      d.State,
		Attempts:   d.Attempts,
		MaxRetries: d.MaxRetries,
		CreatedAt:  time.Unix(0, d.CreatedAt).UTC(),
		UpdatedAt:  time.Unix(0, d.UpdatedAt).UTC(),
		LockedBy:   d.LockedBy,
		Error:      d.Error,
		Output:     d.Output,
	}
	if d.LockedAt != 0 {
		job.LockedAt = time.Unix(0, d.LockedAt).UTC()
	}
	if d.NextRetryAt != 0 {
		job.NextRetryAt = time.Unix(0, d.NextRetryAt).UTC()
	}
	return job
}
