package pad

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// patternSource derives every block deterministically, standing in for two
// members reconstructing the same pad from their share stores.
type patternSource struct {
	blocks uint64
}

func (s patternSource) PadBlock(_ context.Context, b interfaces.BlockID) ([]byte, error) {
	if uint64(b) >= s.blocks {
		return nil, fmt.Errorf("block %d beyond pad of %d blocks", b, s.blocks)
	}
	blk := make([]byte, BlockSize)
	for i := range blk {
		blk[i] = byte(uint64(b)*131 + uint64(i)*7 + 11)
	}
	return blk, nil
}

func testPadID(t *testing.T) interfaces.PadID {
	t.Helper()
	id, err := interfaces.NewPadIDFromHex("00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	return id
}

func testEngine(t *testing.T, blocks, offset, stride uint64) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		ID:         testPadID(t),
		Epoch:      1,
		PadBytes:   blocks * BlockSize,
		Source:     patternSource{blocks: blocks},
		SendOffset: offset,
		SendStride: stride,
	})
	require.NoError(t, err, "engine construction should succeed")
	return e
}

func TestEngineRoundtrip(t *testing.T) {
	ctx := context.Background()
	sender := testEngine(t, 16, 0, 1)
	receiver := testEngine(t, 16, 0, 1)

	messages := [][]byte{
		[]byte("short"),
		[]byte("a somewhat longer status update between pad members"),
		make([]byte, KeystreamPerBlock),
	}

	for i, msg := range messages {
		env, err := sender.Encrypt(ctx, msg)
		require.NoError(t, err, "message %d encrypts", i)
		assert.Equal(t, interfaces.BlockID(i), env.Block, "auto-advance consumes blocks in order")
		assert.Equal(t, uint64(i+1), env.Counter, "counter increments per message")
		assert.NotEqual(t, msg, env.Ciphertext, "ciphertext differs from plaintext")

		pt, err := receiver.VerifyAndDecrypt(ctx, env)
		require.NoError(t, err, "message %d verifies and decrypts", i)
		assert.Equal(t, msg, pt)
	}

	assert.Equal(t, uint64(13*BlockSize), sender.RemainingBytes())
	assert.Equal(t, uint64(3*BlockSize), sender.ExportUsage())
}

func TestEngineRejectsOversizedPlaintext(t *testing.T) {
	e := testEngine(t, 4, 0, 1)

	_, err := e.Encrypt(context.Background(), make([]byte, KeystreamPerBlock+1))
	require.Error(t, err, "plaintext beyond one block of keystream is refused")
	assert.ErrorContains(t, err, "exceeds block capacity")
	assert.Equal(t, uint64(4*BlockSize), e.RemainingBytes(), "no block is consumed on refusal")
}

func TestEngineTamperLeavesBlockUsable(t *testing.T) {
	ctx := context.Background()
	sender := testEngine(t, 4, 0, 1)
	receiver := testEngine(t, 4, 0, 1)

	env, err := sender.Encrypt(ctx, []byte("authentic payload"))
	require.NoError(t, err)

	forged := env
	forged.Ciphertext = append([]byte(nil), env.Ciphertext...)
	forged.Ciphertext[3] ^= 0x01

	_, err = receiver.VerifyAndDecrypt(ctx, forged)
	require.Error(t, err, "tampered ciphertext fails verification")
	assert.ErrorIs(t, err, interfaces.ErrIntegrityFailure)

	pt, err := receiver.VerifyAndDecrypt(ctx, env)
	require.NoError(t, err, "the block survives a failed forgery for the authentic envelope")
	assert.Equal(t, []byte("authentic payload"), pt)
}

func TestEngineCounterIsAuthenticated(t *testing.T) {
	ctx := context.Background()
	sender := testEngine(t, 4, 0, 1)
	receiver := testEngine(t, 4, 0, 1)

	env, err := sender.Encrypt(ctx, []byte("ordered"))
	require.NoError(t, err)
	env.Counter++

	_, err = receiver.VerifyAndDecrypt(ctx, env)
	assert.ErrorIs(t, err, interfaces.ErrIntegrityFailure, "a doctored counter breaks the tag")
}

func TestEngineReplayIsBlockReuse(t *testing.T) {
	ctx := context.Background()
	sender := testEngine(t, 4, 0, 1)
	receiver := testEngine(t, 4, 0, 1)

	env, err := sender.Encrypt(ctx, []byte("once"))
	require.NoError(t, err)

	_, err = receiver.VerifyAndDecrypt(ctx, env)
	require.NoError(t, err)

	_, err = receiver.VerifyAndDecrypt(ctx, env)
	require.Error(t, err, "a replayed envelope is refused")
	assert.ErrorIs(t, err, interfaces.ErrBlockReuse)
}

func TestEngineEncryptAtRefusesConsumedBlock(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, 8, 0, 1)

	_, err := e.EncryptAt(ctx, 5, []byte("first"))
	require.NoError(t, err)

	_, err = e.EncryptAt(ctx, 5, []byte("second"))
	assert.ErrorIs(t, err, interfaces.ErrBlockReuse, "explicit block selection cannot reuse")

	_, err = e.EncryptAt(ctx, 8, []byte("beyond"))
	assert.ErrorContains(t, err, "out of range")
}

func TestEngineExhaustion(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, 2, 0, 1)

	for i := 0; i < 2; i++ {
		_, err := e.Encrypt(ctx, []byte("fill"))
		require.NoError(t, err, "block %d available", i)
	}

	_, err := e.Encrypt(ctx, []byte("overflow"))
	require.Error(t, err, "an exhausted pad refuses to encrypt")
	assert.ErrorIs(t, err, interfaces.ErrPadExhausted)
}

func TestEngineStrideAllocation(t *testing.T) {
	ctx := context.Background()
	first := testEngine(t, 8, 0, 2)
	second := testEngine(t, 8, 1, 2)
	receiver := testEngine(t, 8, 0, 1)

	var envs []interfaces.Envelope
	for i := 0; i < 3; i++ {
		env, err := first.Encrypt(ctx, []byte("from first"))
		require.NoError(t, err)
		assert.Equal(t, interfaces.BlockID(2*i), env.Block, "first member stays on even blocks")
		envs = append(envs, env)

		env, err = second.Encrypt(ctx, []byte("from second"))
		require.NoError(t, err)
		assert.Equal(t, interfaces.BlockID(2*i+1), env.Block, "second member stays on odd blocks")
		envs = append(envs, env)
	}

	for i, env := range envs {
		_, err := receiver.VerifyAndDecrypt(ctx, env)
		require.NoError(t, err, "envelope %d from a disjoint allocation decrypts", i)
	}
}

func TestEngineRatchetSignal(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, 10, 0, 1)

	for i := 0; i < 8; i++ {
		_, err := e.Encrypt(ctx, []byte("spend"))
		require.NoError(t, err)
	}
	assert.False(t, e.RatchetRequired(), "a fifth of the pad remaining is not yet low")

	_, err := e.Encrypt(ctx, []byte("spend"))
	require.NoError(t, err)
	assert.True(t, e.RatchetRequired(), "below a fifth remaining raises the signal")

	select {
	case <-e.RatchetC():
	default:
		t.Fatal("ratchet channel should be closed")
	}

	_, err = e.Encrypt(ctx, []byte("spend"))
	require.NoError(t, err, "further consumption after the one-shot signal still works")
}

func TestEngineUsageWatermarkBurnsHoles(t *testing.T) {
	ctx := context.Background()
	sender := testEngine(t, 8, 0, 1)

	envLate, err := sender.EncryptAt(ctx, 4, []byte("arrived"))
	require.NoError(t, err)
	envHole, err := sender.EncryptAt(ctx, 2, []byte("stale"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5*BlockSize), sender.ExportUsage(),
		"watermark covers the highest consumed block")

	// A restart restores only the watermark, so the skipped blocks below it
	// are gone for good.
	restarted := testEngine(t, 8, 0, 1)
	require.NoError(t, restarted.RestoreUsage(5*BlockSize))

	_, err = restarted.VerifyAndDecrypt(ctx, envHole)
	assert.ErrorIs(t, err, interfaces.ErrBlockReuse, "a hole below the watermark is burned")
	_, err = restarted.VerifyAndDecrypt(ctx, envLate)
	assert.ErrorIs(t, err, interfaces.ErrBlockReuse, "consumed blocks stay consumed across restart")

	envNext, err := sender.EncryptAt(ctx, 5, []byte("fresh"))
	require.NoError(t, err)
	pt, err := restarted.VerifyAndDecrypt(ctx, envNext)
	require.NoError(t, err, "blocks above the watermark remain usable")
	assert.Equal(t, []byte("fresh"), pt)
}

func TestEngineBurn(t *testing.T) {
	ctx := context.Background()
	e := testEngine(t, 4, 0, 1)

	env, err := e.EncryptAt(ctx, 1, []byte("before"))
	require.NoError(t, err)

	require.NoError(t, e.Burn())
	assert.True(t, e.Destroyed())
	assert.Equal(t, uint64(0), e.RemainingBytes(), "a burned pad has no capacity")

	_, err = e.Encrypt(ctx, []byte("after"))
	assert.ErrorIs(t, err, interfaces.ErrPadDestroyed)
	_, err = e.EncryptAt(ctx, 2, []byte("after"))
	assert.ErrorIs(t, err, interfaces.ErrPadDestroyed)
	_, err = e.VerifyAndDecrypt(ctx, env)
	assert.ErrorIs(t, err, interfaces.ErrPadDestroyed)

	require.NoError(t, e.Burn(), "burning twice is harmless")
}

func TestEngineLockdownAfterRepeatedForgeries(t *testing.T) {
	ctx := context.Background()
	sender := testEngine(t, 8, 0, 1)
	receiver := testEngine(t, 8, 0, 1)

	forge := func(t *testing.T) interfaces.Envelope {
		t.Helper()
		env, err := sender.Encrypt(ctx, []byte("genuine"))
		require.NoError(t, err)
		env.Tag = append([]byte(nil), env.Tag...)
		env.Tag[0] ^= 0x80
		return env
	}

	for i := 0; i < monitorMaxFailures-1; i++ {
		_, err := receiver.VerifyAndDecrypt(ctx, forge(t))
		require.Error(t, err, "forgery %d fails verification", i)
		assert.ErrorIs(t, err, interfaces.ErrIntegrityFailure)
		assert.NotErrorIs(t, err, interfaces.ErrSecurityLockdown)
	}

	_, err := receiver.VerifyAndDecrypt(ctx, forge(t))
	assert.ErrorIs(t, err, interfaces.ErrSecurityLockdown,
		"a streak of forgeries freezes the engine")

	env, err := sender.Encrypt(ctx, []byte("genuine"))
	require.NoError(t, err)
	_, err = receiver.VerifyAndDecrypt(ctx, env)
	assert.ErrorIs(t, err, interfaces.ErrSecurityLockdown,
		"a locked engine refuses even authentic envelopes")
}

func TestEngineWrongPadEnvelope(t *testing.T) {
	ctx := context.Background()
	sender := testEngine(t, 4, 0, 1)
	receiver := testEngine(t, 4, 0, 1)

	env, err := sender.Encrypt(ctx, []byte("misdirected"))
	require.NoError(t, err)
	other, err := interfaces.NewPadIDFromHex("ffeeddccbbaa99887766554433221100")
	require.NoError(t, err)
	env.PadID = other

	_, err = receiver.VerifyAndDecrypt(ctx, env)
	assert.ErrorIs(t, err, interfaces.ErrIntegrityFailure, "an envelope for another pad is refused")
}

func TestEngineStateSnapshotSharedAcrossMembers(t *testing.T) {
	first := testEngine(t, 16, 0, 2)
	second := testEngine(t, 16, 1, 2)

	_, err := first.Encrypt(context.Background(), []byte("diverge usage"))
	require.NoError(t, err)

	assert.True(t, first.StateSnapshot().Equal(second.StateSnapshot()),
		"members with different usage still agree on the pad snapshot")

	otherEpoch, err := NewEngine(Config{
		ID:       testPadID(t),
		Epoch:    2,
		PadBytes: 16 * BlockSize,
		Source:   patternSource{blocks: 16},
	})
	require.NoError(t, err)
	assert.False(t, first.StateSnapshot().Equal(otherEpoch.StateSnapshot()),
		"a refreshed epoch changes the snapshot")
}

func TestEngineConfigValidation(t *testing.T) {
	_, err := NewEngine(Config{PadBytes: 8 * BlockSize})
	assert.ErrorContains(t, err, "block source", "a source is mandatory")

	_, err = NewEngine(Config{Source: patternSource{blocks: 1}, PadBytes: BlockSize - 1})
	assert.ErrorContains(t, err, "smaller than one block")

	_, err = NewEngine(Config{Source: patternSource{blocks: 4}, PadBytes: 4 * BlockSize, SendOffset: 4})
	assert.ErrorContains(t, err, "send offset")
}
