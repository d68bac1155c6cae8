package subscription

import (
	"bytes"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/subhub/internal/domain/schema"
)

func TestObserversIsolatePanicsAndLogThem(t *testing.T) {
	var buf bytes.Buffer
	obs := newObservers(log.New(&buf, "", 0), nil)
	key := mustKey(t, "binance", "BTC/USDT", schema.DataTypeTicker, nil)

	obs.Add(&ObserverFuncs{Error: func(schema.Key, error) { panic("listener bug") }})
	rec := newRecordingObserver()
	obs.Add(rec)

	require.NotPanics(t, func() { obs.failed(key, errors.New("fetch failed")) })
	require.Len(t, rec.errorsFor(key.ID()), 1)
	require.Contains(t, buf.String(), "observer_fault")
	require.Contains(t, buf.String(), "listener bug")
}

func TestObserversRemoveByValueAndID(t *testing.T) {
	obs := newObservers(quietLogger(), nil)
	logObs := LogObserver{Logger: quietLogger()}
	idA := obs.Add(logObs)
	obs.Add(logObs)
	funcs := &ObserverFuncs{}
	idB := obs.Add(funcs)
	require.Equal(t, 3, obs.size())
	require.NotEqual(t, idA, idB)

	require.True(t, obs.Remove(logObs))
	require.Equal(t, 1, obs.size())
	require.False(t, obs.RemoveID(idA))
	require.True(t, obs.RemoveID(idB))
	require.Zero(t, obs.size())
	require.Equal(t, ObserverID(""), obs.Add(nil))
}

func TestObserverAddedDuringNotificationWaitsForNextEvent(t *testing.T) {
	obs := newObservers(quietLogger(), nil)
	key := mustKey(t, "binance", "BTC/USDT", schema.DataTypeTicker, nil)
	late := newRecordingObserver()
	obs.Add(&ObserverFuncs{Created: func(schema.Key, schema.Method) { obs.Add(late) }})

	obs.created(key, schema.MethodPush)
	_, seen := late.createdMethod(key.ID())
	require.False(t, seen)

	obs.removed(key)
	require.Equal(t, 1, late.removedCount(key.ID()))
}
