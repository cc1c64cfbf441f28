package detector

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve_IdleIsNoop(t *testing.T) {
	probe := newFakeProbe()
	e := newTestEngine(probe, newFakeClock())
	seed(e, map[string]string{"10.0.0.5": "aa:aa"})

	for i := 0; i < 5; i++ {
		assert.Nil(t, e.Observe("10.0.0.5", "cc:cc"))
		assert.Nil(t, e.Observe("10.0.0.77", "dd:dd"))
	}

	assert.False(t, hasCounter(e, "10.0.0.5", "cc:cc"))
	_, known := deviceByIP(e, "10.0.0.77")
	assert.False(t, known, "idle detector must not register devices")
	assert.Empty(t, e.ListEvents())
	assert.Zero(t, probe.callsFor(testSubnet))
}

func TestObserve_TrustedMACKeepsCounterAtZero(t *testing.T) {
	e := newTestEngine(newFakeProbe(), newFakeClock())
	seed(e, map[string]string{"10.0.0.5": "aa:aa"})
	require.NoError(t, e.StartMonitoring())

	for i := 0; i < 10; i++ {
		assert.Nil(t, e.Observe("10.0.0.5", "aa:aa"))
	}
	assert.Equal(t, 0, counter(e, "10.0.0.5", "aa:aa"))
	assert.False(t, hasCounter(e, "10.0.0.5", "aa:aa"), "match path must not create counter keys")
}

func TestObserve_NewIPExtendsBaseline(t *testing.T) {
	e := newTestEngine(newFakeProbe(), newFakeClock())
	seed(e, map[string]string{"10.0.0.5": "aa:aa"})
	require.NoError(t, e.StartMonitoring())

	assert.Nil(t, e.Observe("10.0.0.40", "EE:EE"))

	d, ok := deviceByIP(e, "10.0.0.40")
	require.True(t, ok)
	assert.Equal(t, "ee:ee", d.MAC)

	ip, ok := e.ResolveIP(t.Context(), "ee:ee")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.40", ip)

	// The new entry is now trusted: a different MAC counts as a mismatch.
	assert.Nil(t, e.Observe("10.0.0.40", "ff:ff"))
	assert.Equal(t, 1, counter(e, "10.0.0.40", "ff:ff"))
}

func TestObserve_ThresholdConfirmsAttack(t *testing.T) {
	probe := newFakeProbe()
	clock := newFakeClock()
	sink := &fakeSink{}
	e := newTestEngine(probe, clock, WithAlertSink(sink))
	seed(e, map[string]string{"10.0.0.5": "aa:aa", "10.0.0.9": "bb:bb"})
	require.NoError(t, e.StartMonitoring())

	probe.set(testSubnet, Host{IP: "10.0.0.9", MAC: "cc:cc"})

	assert.Nil(t, e.Observe("10.0.0.5", "cc:cc"))
	assert.Nil(t, e.Observe("10.0.0.5", "cc:cc"))
	assert.Equal(t, 2, counter(e, "10.0.0.5", "cc:cc"))
	assert.Empty(t, e.ListEvents())

	clock.Advance(time.Second)
	t3 := clock.Now()
	ev := e.Observe("10.0.0.5", "cc:cc")
	require.NotNil(t, ev)

	want := SpoofEvent{
		VictimIP:    "10.0.0.5",
		TrustedMAC:  "aa:aa",
		ObservedMAC: "cc:cc",
		AttackerIP:  "10.0.0.9",
		Timestamp:   t3,
	}
	assert.Equal(t, want, *ev)
	assert.Equal(t, []SpoofEvent{want}, e.ListEvents())
	assert.Equal(t, 0, counter(e, "10.0.0.5", "cc:cc"))

	victim, ok := deviceByIP(e, "10.0.0.5")
	require.True(t, ok)
	assert.True(t, victim.Attacked)
	assert.False(t, victim.IsAttacker)

	attacker, ok := deviceByIP(e, "10.0.0.9")
	require.True(t, ok)
	assert.True(t, attacker.IsAttacker)
	assert.False(t, attacker.Attacked)

	assert.Equal(t, []SpoofEvent{want}, sink.events)

	// The sweep hit refreshed the reverse index; no second sweep needed.
	ip, ok := e.ResolveIP(t.Context(), "cc:cc")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.9", ip)
	assert.Equal(t, 1, probe.callsFor(testSubnet))
}

func TestObserve_EventJSONShape(t *testing.T) {
	probe := newFakeProbe()
	clock := newFakeClock()
	e := newTestEngine(probe, clock)
	seed(e, map[string]string{"10.0.0.5": "aa:aa", "10.0.0.9": "bb:bb", testSelfIP: testSelfMAC})
	require.NoError(t, e.StartMonitoring())
	probe.set(testSubnet, Host{IP: "10.0.0.9", MAC: "cc:cc"})

	for i := 0; i < 3; i++ {
		e.Observe("10.0.0.5", "cc:cc")
	}

	raw, err := json.Marshal(e.ListEvents())
	require.NoError(t, err)
	assert.JSONEq(t, `[{"ip":"10.0.0.5","old_mac":"aa:aa","new_mac":"cc:cc","attacker_ip":"10.0.0.9","timestamp":"2024-05-01T12:00:00Z"}]`, string(raw))

	raw, err = json.Marshal(e.ListDevices())
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"ip":"10.0.0.2","mac":"02:00:00:00:00:02","attacked":false,"is_attacker":false,"is_gateway":false},
		{"ip":"10.0.0.5","mac":"aa:aa","attacked":true,"is_attacker":false,"is_gateway":false},
		{"ip":"10.0.0.9","mac":"bb:bb","attacked":false,"is_attacker":true,"is_gateway":false}
	]`, string(raw))
}

func TestObserve_UnresolvedAttackerNeverFires(t *testing.T) {
	testCases := []struct {
		name  string
		hosts []Host
	}{
		{name: "nothing answers"},
		{name: "resolves to victim", hosts: []Host{{IP: "10.0.0.5", MAC: "cc:cc"}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			probe := newFakeProbe()
			probe.set(testSubnet, tc.hosts...)
			e := newTestEngine(probe, newFakeClock())
			seed(e, map[string]string{"10.0.0.5": "aa:aa"})
			require.NoError(t, e.StartMonitoring())

			for i := 1; i <= 10; i++ {
				assert.Nil(t, e.Observe("10.0.0.5", "cc:cc"))
				assert.Equal(t, i, counter(e, "10.0.0.5", "cc:cc"))
			}
			assert.Empty(t, e.ListEvents())
		})
	}
}

func TestObserve_SelfMACResolvesToSelf(t *testing.T) {
	probe := newFakeProbe()
	e := newTestEngine(probe, newFakeClock())
	seed(e, map[string]string{"10.0.0.5": "aa:aa"})
	require.NoError(t, e.StartMonitoring())

	for i := 0; i < 3; i++ {
		e.Observe("10.0.0.5", testSelfMAC)
	}

	events := e.ListEvents()
	require.Len(t, events, 1)
	assert.Equal(t, testSelfIP, events[0].AttackerIP)
	assert.Zero(t, probe.callsFor(testSubnet), "self MAC must resolve without a probe")
}

func TestObserve_CountersArePerPair(t *testing.T) {
	e := newTestEngine(newFakeProbe(), newFakeClock())
	seed(e, map[string]string{"10.0.0.5": "aa:aa"})
	require.NoError(t, e.StartMonitoring())

	// Rotating MACs never accumulates on a single pair.
	for i := 0; i < 6; i++ {
		e.Observe("10.0.0.5", fmt.Sprintf("c%d:c%d", i, i))
	}
	for i := 0; i < 6; i++ {
		assert.Equal(t, 1, counter(e, "10.0.0.5", fmt.Sprintf("c%d:c%d", i, i)))
	}
	assert.Empty(t, e.ListEvents())
}

func TestObserve_QuietPeriodResetsEverything(t *testing.T) {
	probe := newFakeProbe()
	clock := newFakeClock()
	e := newTestEngine(probe, clock)
	seed(e, map[string]string{"10.0.0.5": "aa:aa", "10.0.0.9": "bb:bb", "10.0.0.7": "77:77"})
	require.NoError(t, e.StartMonitoring())
	probe.set(testSubnet, Host{IP: "10.0.0.9", MAC: "cc:cc"})

	for i := 0; i < 3; i++ {
		e.Observe("10.0.0.5", "cc:cc")
	}
	// An unrelated pending mismatch.
	e.Observe("10.0.0.7", "dd:dd")
	require.Len(t, e.ListEvents(), 1)

	// A match within the timeout keeps state.
	clock.Advance(5 * time.Second)
	e.Observe("10.0.0.5", "aa:aa")
	require.Len(t, e.ListEvents(), 1)

	// Past 5.2s since the last mismatch the match clears everything.
	clock.Advance(300 * time.Millisecond)
	e.Observe("10.0.0.9", "bb:bb")

	assert.Empty(t, e.ListEvents())
	assert.False(t, hasCounter(e, "10.0.0.7", "dd:dd"))
	for _, d := range e.ListDevices() {
		assert.False(t, d.Attacked, d.IP)
		assert.False(t, d.IsAttacker, d.IP)
	}
}

func TestObserve_ResetNeedsPriorMismatch(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(newFakeProbe(), clock)
	seed(e, map[string]string{"10.0.0.5": "aa:aa"})
	require.NoError(t, e.StartMonitoring())

	e.mu.Lock()
	epoch := e.st.epoch
	e.mu.Unlock()

	clock.Advance(time.Hour)
	e.Observe("10.0.0.5", "aa:aa")

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Equal(t, epoch, e.st.epoch)
}

func TestObserve_DeliveredThroughPacketSource(t *testing.T) {
	probe := newFakeProbe()
	src := &fakeSource{}
	e := newTestEngine(probe, newFakeClock(), WithPacketSource(src))
	seed(e, map[string]string{"10.0.0.5": "aa:aa", "10.0.0.9": "bb:bb"})
	probe.set(testSubnet, Host{IP: "10.0.0.9", MAC: "cc:cc"})
	require.NoError(t, e.StartMonitoring())

	for i := 0; i < 3; i++ {
		src.deliver("10.0.0.5", "cc:cc")
	}
	require.Len(t, e.ListEvents(), 1)
}

func BenchmarkObserve_TrustedMatch(b *testing.B) {
	e := newTestEngine(newFakeProbe(), newFakeClock())
	seed(e, map[string]string{"10.0.0.5": "aa:bb:cc:dd:ee:ff"})
	if err := e.StartMonitoring(); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		e.Observe("10.0.0.5", "aa:bb:cc:dd:ee:ff")
	}
}

func BenchmarkObserve_Mismatch(b *testing.B) {
	e := newTestEngine(newFakeProbe(), newFakeClock())
	seed(e, map[string]string{"10.0.0.5": "aa:bb:cc:dd:ee:ff"})
	if err := e.StartMonitoring(); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		// Unresolvable attacker: the counter keeps climbing.
		e.Observe("10.0.0.5", "11:22:33:44:55:66")
	}
}
