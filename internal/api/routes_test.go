package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RMahshie/spectrascope/internal/acquisition"
	"github.com/RMahshie/spectrascope/internal/metrics"
	"github.com/RMahshie/spectrascope/internal/scpi"
	"github.com/RMahshie/spectrascope/internal/scpi/scpitest"
	"github.com/RMahshie/spectrascope/internal/session"
	"github.com/RMahshie/spectrascope/internal/spectrum"
	"github.com/RMahshie/spectrascope/pkg/models"
)

type testEnv struct {
	sim  *scpitest.Server
	sess *session.Session
	http *httptest.Server
}

// newTestEnv runs a full session against the simulated instrument and serves
// the API on an httptest server.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	sim, err := scpitest.NewServer(scpitest.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { sim.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	client, err := scpi.Dial(ctx, sim.Addr(), scpi.WithTimeout(time.Second))
	require.NoError(t, err)

	link := acquisition.NewLink(client)
	channels := []int{1, 2, 3, 4}
	gain, err := acquisition.NewGainState(link, channels, 0, map[int]string{0: "LV", 20: "HV"})
	require.NoError(t, err)

	opts := acquisition.DefaultOptions()
	opts.PollInterval = time.Millisecond
	opts.BufferSize = scpitest.DefaultOptions().BufferSize
	controller := acquisition.NewController(link, gain, opts)

	est, err := spectrum.NewEstimator(controller.SampleRate(), models.SpectrumDecibel)
	require.NoError(t, err)

	m := metrics.New()
	hub := NewHub(nil)
	sess := session.New(session.Options{
		InstrumentAddress: sim.Addr(),
		Interval:          20 * time.Millisecond,
		HistorySize:       4,
		RBW:               1e6,
		RBWMin:            1e5,
		RBWMax:            10e6,
	}, controller, gain, est, session.WithMetrics(m), session.WithPresenter(hub))

	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("Spectrascope API", "test"))
	RegisterRoutes(router, api, sess, nil, hub, m)
	srv := httptest.NewServer(router)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = sess.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		hub.Close()
		srv.Close()
	})

	require.Eventually(t, func() bool { return sess.Latest() != nil }, 5*time.Second, 10*time.Millisecond)
	return &testEnv{sim: sim, sess: sess, http: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestRoutes_SessionAgainstSimulator(t *testing.T) {
	env := newTestEnv(t)

	t.Run("status", func(t *testing.T) {
		code, body := env.do(t, http.MethodGet, "/api/session", "")
		require.Equal(t, http.StatusOK, code, string(body))

		var status models.SessionStatus
		require.NoError(t, json.Unmarshal(body, &status))
		assert.Equal(t, env.sess.ID(), status.ID)
		assert.True(t, status.Running)
		assert.GreaterOrEqual(t, status.Acquisitions, 1)
		assert.Equal(t, []int{0, 20}, status.SupportedAttenuation)
		assert.Len(t, status.Channels, 4)
	})

	t.Run("spectrum peaks at the channel tone", func(t *testing.T) {
		code, body := env.do(t, http.MethodGet, "/api/channels/1/spectrum", "")
		require.Equal(t, http.StatusOK, code, string(body))

		var spec models.GetSpectrumResponseBody
		require.NoError(t, json.Unmarshal(body, &spec))
		assert.Equal(t, 1, spec.Channel)
		assert.Equal(t, 125, spec.Window)
		require.NotEmpty(t, spec.FrequencyData)

		peak := spec.FrequencyData[1]
		for _, p := range spec.FrequencyData[1:] {
			if p.Magnitude > peak.Magnitude {
				peak = p
			}
		}
		assert.InDelta(t, 1e6, peak.Frequency, spec.EffectiveRBW)
	})

	t.Run("waveform carries the time-domain buffer", func(t *testing.T) {
		code, body := env.do(t, http.MethodGet, "/api/channels/1/waveform?max_points=256", "")
		require.Equal(t, http.StatusOK, code, string(body))

		var wf models.GetWaveformResponseBody
		require.NoError(t, json.Unmarshal(body, &wf))
		assert.Equal(t, 1, wf.Channel)
		assert.Equal(t, 1024, wf.Length)
		assert.Equal(t, 4, wf.Stride)
		require.Len(t, wf.Samples, 256)
		assert.InDelta(t, 4/125e6, wf.Samples[1].Time, 1e-15)
		for _, p := range wf.Samples {
			assert.LessOrEqual(t, math.Abs(p.Voltage), 0.5+1e-6)
			assert.GreaterOrEqual(t, p.Voltage, wf.YMin)
			assert.LessOrEqual(t, p.Voltage, wf.YMax)
		}
	})

	t.Run("unknown channel spectrum", func(t *testing.T) {
		code, _ := env.do(t, http.MethodGet, "/api/channels/9/spectrum", "")
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("latest acquisition", func(t *testing.T) {
		code, body := env.do(t, http.MethodGet, "/api/acquisitions/latest", "")
		require.Equal(t, http.StatusOK, code, string(body))

		var latest models.GetLatestAcquisitionResponseBody
		require.NoError(t, json.Unmarshal(body, &latest))
		require.NotNil(t, latest.Acquisition)
		assert.Len(t, latest.Stats, 4)
		assert.True(t, latest.Extrema.Valid)
	})

	t.Run("set rbw clamps", func(t *testing.T) {
		code, body := env.do(t, http.MethodPut, "/api/session/rbw", `{"rbw_hz": 50e6}`)
		require.Equal(t, http.StatusOK, code, string(body))

		var out models.SetRBWResponseBody
		require.NoError(t, json.Unmarshal(body, &out))
		assert.Equal(t, 10e6, out.RBW)
		assert.True(t, out.Clamped)
	})

	t.Run("set attenuation reaches the instrument", func(t *testing.T) {
		code, body := env.do(t, http.MethodPut, "/api/channels/2/attenuation", `{"attenuation_db": 20}`)
		require.Equal(t, http.StatusOK, code, string(body))

		var cfg models.ChannelConfig
		require.NoError(t, json.Unmarshal(body, &cfg))
		assert.Equal(t, models.ChannelConfig{Channel: 2, AttenuationDB: 20, GainMode: "HV"}, cfg)
		assert.Eventually(t, func() bool { return env.sim.Gain(2) == "HV" }, time.Second, 5*time.Millisecond)
	})

	t.Run("unsupported attenuation", func(t *testing.T) {
		code, _ := env.do(t, http.MethodPut, "/api/channels/2/attenuation", `{"attenuation_db": 10}`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "HV", env.sim.Gain(2))
	})

	t.Run("history needs persistence", func(t *testing.T) {
		code, _ := env.do(t, http.MethodGet, "/api/sessions/"+uuid.NewString()+"/acquisitions", "")
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})

	t.Run("metrics", func(t *testing.T) {
		code, body := env.do(t, http.MethodGet, "/metrics", "")
		require.Equal(t, http.StatusOK, code)
		assert.Contains(t, string(body), "spectrascope_acquisitions_total")
		assert.Contains(t, string(body), "spectrascope_rbw_hz")
	})
}

func TestHub_StreamsFrames(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/spectrum"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg StreamMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.NotNil(t, msg.Frame)
	assert.Equal(t, env.sess.ID(), msg.Frame.SessionID)
	assert.Len(t, msg.Frame.Spectra, 4)
	assert.Less(t, msg.YMin, msg.YMax)

	require.Len(t, msg.Waveforms, 4)
	for _, w := range msg.Waveforms {
		assert.Equal(t, 1024, w.Length)
		assert.Equal(t, 1024, w.Len())
		assert.Len(t, w.Times, w.Len())
	}
	ch1 := msg.Waveforms[0]
	assert.Equal(t, 1, ch1.Channel)
	assert.InDelta(t, 0.5, slices.Max(ch1.Volts), 0.01)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub([]string{"http://localhost:5173"})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://localhost:5173")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestHub_PresentWithoutClients(t *testing.T) {
	hub := NewHub(nil)
	assert.NotPanics(t, func() {
		hub.Present(&models.Frame{Sequence: 1})
	})
	assert.Equal(t, 0, hub.Clients())
}
