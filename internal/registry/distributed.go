package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/log"
)

// kindKey stamps the backend kind into the keyspace so a bridge process
// configured with the wrong backend fails loudly (the Open Question (a)).
const kindKey = "registry:kind"

// DistributedBackend is the multi-process registry backend: a
// Redis-protocol key/value store reached through valkey-go, namespaced
// exactly as laid out (registry:instance:<id>, registry:job:<id>,
// registry:lock:<resource>, registry:metric:<name>).
type DistributedBackend struct {
	client valkey.Client
}

// OpenDistributed dials the addresses and stamps (or validates) the
// backend kind key.
func OpenDistributed(ctx context.Context, addrs []string) (*DistributedBackend, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: addrs})
	if err != nil {
		return nil, kernelerr.New(kernelerr.ErrTransportUnavailable, err.Error())
	}

	db := &DistributedBackend{client: client}
	if err := db.checkOrStampKind(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return db, nil
}

func (db *DistributedBackend) checkOrStampKind(ctx context.Context) error {
	cmd := db.client.B().Set().Key(kindKey).Value(string(KindDistributed)).Nx().Build()
	if err := db.client.Do(ctx, cmd).Error(); err != nil && !valkey.IsValkeyNil(err) {
		return fmt.Errorf("registry: stamping backend kind: %w", err)
	}

	getCmd := db.client.B().Get().Key(kindKey).Build()
	existing, err := db.client.Do(ctx, getCmd).ToString()
	if err != nil {
		return fmt.Errorf("registry: reading backend kind: %w", err)
	}
	if Kind(existing) != KindDistributed {
		return kernelerr.New(kernelerr.ErrStateCorrupted,
			fmt.Sprintf("keyspace was stamped with backend kind %q, expected %q", existing, KindDistributed))
	}
	return nil
}

func (db *DistributedBackend) Kind() Kind { return KindDistributed }

func instanceKey(id string) string { return "registry:instance:" + id }
func jobKey(id string) string { return "registry:job:" + id }
func lockKey(resource string) string { return "registry:lock:" + resource }
func metricKey(name string) string { return "registry:metric:" + name }

func (db *DistributedBackend) PutInstance(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.InstanceID == "" {
		return kernelerr.New(kernelerr.ErrInvalidArgument, "instance must have a non-empty instance_id")
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	cmd := db.client.B().Set().Key(instanceKey(inst.InstanceID)).Value(string(data)).Nx().Build()
	resp := db.client.Do(ctx, cmd)
	if err := resp.Error(); err != nil {
		return err
	}
	if _, err := resp.ToString(); err != nil && valkey.IsValkeyNil(err) {
		return kernelerr.New(kernelerr.ErrSessionExists, fmt.Sprintf("instance %s already exists", inst.InstanceID))
	}
	log.Debug(log.CatRegistry, "instance stored", "instance_id", inst.InstanceID, "role", inst.Role)
	return nil
}

func (db *DistributedBackend) GetInstance(ctx context.Context, id string) (*Instance, bool, error) {
	cmd := db.client.B().Get().Key(instanceKey(id)).Build()
	raw, err := db.client.Do(ctx, cmd).ToString()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var inst Instance
	if err := json.Unmarshal([]byte(raw), &inst); err != nil {
		return nil, false, kernelerr.New(kernelerr.ErrStateCorrupted, err.Error())
	}
	return &inst, true, nil
}

func (db *DistributedBackend) UpdateInstance(ctx context.Context, id string, fn func(*Instance)) error {
	inst, ok, err := db.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return kernelerr.New(kernelerr.ErrInstanceNotFound, id)
	}
	fn(inst)
	inst.UpdatedAt = time.Now()
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	cmd := db.client.B().Set().Key(instanceKey(id)).Value(string(data)).Build()
	return db.client.Do(ctx, cmd).Error()
}

func (db *DistributedBackend) ListInstances(ctx context.Context, q ListQuery) ([]*Instance, error) {
	keys, err := db.scanKeys(ctx, "registry:instance:*")
	if err != nil {
		return nil, err
	}
	var results []*Instance
	for _, key := range keys {
		raw, err := db.client.Do(ctx, db.client.B().Get().Key(key).Build()).ToString()
		if err != nil {
			continue
		}
		var inst Instance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			continue
		}
		if q.Role != "" && inst.Role != q.Role {
			continue
		}
		if q.ParentID != "" && inst.ParentID != q.ParentID {
			continue
		}
		instCopy := inst
		results = append(results, &instCopy)
	}
	return results, nil
}

func (db *DistributedBackend) RemoveInstance(ctx context.Context, id string) error {
	cmd := db.client.B().Del().Key(instanceKey(id)).Build()
	n, err := db.client.Do(ctx, cmd).ToInt64()
	if err != nil {
		return err
	}
	if n == 0 {
		return kernelerr.New(kernelerr.ErrInstanceNotFound, id)
	}
	return nil
}

func (db *DistributedBackend) PutJob(ctx context.Context, job *Job) error {
	if job == nil || job.JobID == "" {
		return kernelerr.New(kernelerr.ErrInvalidArgument, "job must have a non-empty job_id")
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	cmd := db.client.B().Set().Key(jobKey(job.JobID)).Value(string(data)).Build()
	return db.client.Do(ctx, cmd).Error()
}

func (db *DistributedBackend) GetJob(ctx context.Context, id string) (*Job, bool, error) {
	cmd := db.client.B().Get().Key(jobKey(id)).Build()
	raw, err := db.client.Do(ctx, cmd).ToString()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, false, kernelerr.New(kernelerr.ErrStateCorrupted, err.Error())
	}
	return &job, true, nil
}

func (db *DistributedBackend) UpdateJob(ctx context.Context, id string, fn func(*Job)) error {
	job, ok, err := db.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("registry: job %s not found", id)
	}
	fn(job)
	job.UpdatedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	cmd := db.client.B().Set().Key(jobKey(id)).Value(string(data)).Build()
	return db.client.Do(ctx, cmd).Error()
}

func (db *DistributedBackend) ListJobs(ctx context.Context, priority Priority) ([]*Job, error) {
	keys, err := db.scanKeys(ctx, "registry:job:*")
	if err != nil {
		return nil, err
	}
	var results []*Job
	for _, key := range keys {
		raw, err := db.client.Do(ctx, db.client.B().Get().Key(key).Build()).ToString()
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if priority != "" && job.Priority != priority {
			continue
		}
		jobCopy := job
		results = append(results, &jobCopy)
	}
	return results, nil
}

func (db *DistributedBackend) RemoveJob(ctx context.Context, id string) error {
	cmd := db.client.B().Del().Key(jobKey(id)).Build()
	return db.client.Do(ctx, cmd).Error()
}

// AcquireLock uses SET NX PX for an atomic compare-and-set lock, the
// standard idiom for a distributed lock over a key/value store.
func (db *DistributedBackend) AcquireLock(ctx context.Context, resource string, ttlSeconds int64) (string, bool, error) {
	token := uuid.NewString()
	cmd := db.client.B().Set().Key(lockKey(resource)).Value(token).
		Nx().Px(time.Duration(ttlSeconds) * time.Second).Build()
	resp := db.client.Do(ctx, cmd)
	if valkey.IsValkeyNil(resp.Error()) {
		return "", false, nil
	}
	if err := resp.Error(); err != nil {
		return "", false, err
	}
	return token, true, nil
}

// releaseLockScript deletes resource only if its value matches token,
// avoiding a race where the lock expires and is re-acquired by another
// holder between the GET and the DEL.
const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
 return redis.call("DEL", KEYS[1])
else
 return 0
end
`

func (db *DistributedBackend) ReleaseLock(ctx context.Context, resource, token string) error {
	script := valkey.NewLuaScript(releaseLockScript)
	cmd := script.Exec(ctx, db.client, []string{lockKey(resource)}, []string{token})
	if err := cmd.Error(); err != nil {
		return err
	}
	return nil
}

func (db *DistributedBackend) RecordMetric(ctx context.Context, name string, value float64) error {
	cmd := db.client.B().Set().Key(metricKey(name)).Value(strconv.FormatFloat(value, 'f', -1, 64)).Build()
	return db.client.Do(ctx, cmd).Error()
}

func (db *DistributedBackend) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	cursor := uint64(0)
	for {
		cmd := db.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()
		entry, err := db.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, err
		}
		keys = append(keys, entry.Elements...)
		if entry.Cursor == 0 {
			break
		}
		cursor = entry.Cursor
	}
	return keys, nil
}

func (db *DistributedBackend) Close() error {
	db.client.Close()
	return nil
}
