package log

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelHandler(t *testing.T) {
	var lvl dslog.Level
	err := lvl.Set("info")
	assert.NoError(t, err)
	plogger = &prometheusLogger{
		baseLogger: log.NewLogfmtLogger(io.Discard),
	}

	testCases := []struct {
		testName           string
		targetLogLevel     string
		expectedResponse   string
		expectedLogLevel   string
		expectedStatusCode int
	}{
		{"GetLogLevel", "", `{"message":"Current log level is info"}`, "info", 200},
		{"PostLogLevelInvalid", "invalid", `{"message":"unrecognized log level \"invalid\"", "status":"failed"}`, "info", 400},
		{"PostLogLevelEmpty", "", `{"message":"unrecognized log level \"\"", "status":"failed"}`, "info", 400},
		{"PostLogLevelDebug", "debug", `{"status": "success", "message":"Log level set to debug"}`, "debug", 200},
	}

	for _, testCase := range testCases {
		t.Run(testCase.testName, func(t *testing.T) {
			var (
				req *http.Request
				err error
			)

			if strings.HasPrefix(testCase.testName, "Get") {
				req, err = http.NewRequest("GET", "/", nil)
			} else if strings.HasPrefix(testCase.testName, "Post") {
				form := url.Values{"log_level": {testCase.targetLogLevel}}
				req, err = http.NewRequest("POST", "/", strings.NewReader(form.Encode()))
				req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
			}
			assert.NoError(t, err)

			rr := httptest.NewRecorder()
			handler := LevelHandler(&lvl)
			handler.ServeHTTP(rr, req)

			assert.JSONEq(t, testCase.expectedResponse, rr.Body.String())
			assert.Equal(t, testCase.expectedStatusCode, rr.Code)
			assert.Equal(t, testCase.expectedLogLevel, lvl.String())
		})
	}
}

func TestInitLogger_FiltersAndCounts(t *testing.T) {
	var (
		lvl    dslog.Level
		format dslog.Format
		buf    bytes.Buffer
		reg    = prometheus.NewRegistry()
	)
	require.NoError(t, lvl.Set("warn"))
	require.NoError(t, format.Set("logfmt"))

	logger := InitLoggerWithWriter(lvl, format, reg, &buf)
	level.Info(logger).Log("msg", "hidden")
	level.Warn(logger).Log("msg", "shown", "task", 3)

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "msg=shown")
	require.Contains(t, buf.String(), "task=3")
	require.Equal(t, float64(1), testutil.ToFloat64(plogger.logMessages.WithLabelValues("warn")))
}
