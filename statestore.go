package authchain

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mfauth/authchain/internal/secrets"
)

const chainStateVersion1 = 1

var (
	errChainStateNotFound = errors.New("chain state not found")
	errChainStateBackend  = errors.New("chain state backend unavailable")
)

// chainState is the ephemeral record of one in-progress chain run. It lives
// in the session-scoped store under a TTL and is destroyed on completion,
// restart, or expiry. Done is a bitmask of already-satisfied slot indices
// for this run, which caps a chain at 64 slots.
type chainState struct {
	RunID     string
	SlotIndex uint16
	Method    string
	Done      uint64
	StartedAt int64
}

func (s *chainState) markDone(slot int)    { s.Done |= 1 << uint(slot) }
func (s *chainState) isDone(slot int) bool { return s.Done&(1<<uint(slot)) != 0 }

func encodeChainState(state *chainState) ([]byte, error) {
	if len(state.RunID) > 255 || len(state.Method) > 255 {
		return nil, errors.New("chain state field too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(chainStateVersion1)
	if err := binary.Write(&buf, binary.BigEndian, state.SlotIndex); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, state.Done); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, state.StartedAt); err != nil {
		return nil, err
	}
	buf.WriteByte(byte(len(state.RunID)))
	buf.WriteString(state.RunID)
	buf.WriteByte(byte(len(state.Method)))
	buf.WriteString(state.Method)
	return buf.Bytes(), nil
}

func decodeChainState(data []byte) (*chainState, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != chainStateVersion1 {
		return nil, errors.New("invalid chain state version")
	}

	state := &chainState{}
	if err := binary.Read(reader, binary.BigEndian, &state.SlotIndex); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &state.Done); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &state.StartedAt); err != nil {
		return nil, err
	}

	runLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	run := make([]byte, runLen)
	if _, err := io.ReadFull(reader, run); err != nil {
		return nil, err
	}
	state.RunID = string(run)

	methodLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	method := make([]byte, methodLen)
	if _, err := io.ReadFull(reader, method); err != nil {
		return nil, err
	}
	state.Method = string(method)
	return state, nil
}

// chainStateStore keeps per-scope chain runs in redis under a TTL.
type chainStateStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func newChainStateStore(client redis.UniversalClient, prefix string, ttl time.Duration) *chainStateStore {
	if prefix == "" {
		prefix = "acs"
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &chainStateStore{redis: client, prefix: prefix, ttl: ttl}
}

func (s *chainStateStore) key(scope Scope) string {
	return s.prefix + ":" + secrets.StagingKey("chain-state", scope.SessionID, scope.UserID)
}

func (s *chainStateStore) Save(ctx context.Context, scope Scope, state *chainState) error {
	encoded, err := encodeChainState(state)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(scope), encoded, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChainStateBackend, err)
	}
	return nil
}

func (s *chainStateStore) Get(ctx context.Context, scope Scope) (*chainState, error) {
	data, err := s.redis.Get(ctx, s.key(scope)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errChainStateNotFound
		}
		return nil, fmt.Errorf("%w: %v", errChainStateBackend, err)
	}
	return decodeChainState(data)
}

func (s *chainStateStore) Delete(ctx context.Context, scope Scope) error {
	if err := s.redis.Del(ctx, s.key(scope)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChainStateBackend, err)
	}
	return nil
}
