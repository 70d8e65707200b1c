package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caesium-cloud/pigment/api"
	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/internal/testutil/harness"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type GenerationCmdTestSuite struct {
	suite.Suite
	h   *harness.Harness
	srv *httptest.Server
}

func TestGenerationCmdTestSuite(t *testing.T) {
	suite.Run(t, new(GenerationCmdTestSuite))
}

func (s *GenerationCmdTestSuite) SetupTest() {
	s.h = harness.New(s.T())
	s.srv = httptest.NewServer(api.New(api.Options{
		Gateway:  s.h.Gateway,
		Registry: prometheus.NewRegistry(),
	}))
}

func (s *GenerationCmdTestSuite) TearDownTest() {
	s.srv.Close()
}

func resetFlags() {
	server, timeout = "", 0
	submitProvider, submitSlot, submitPrompt = "", "", ""
	submitInputs, submitOptions, submitCredentials = nil, nil, nil
	submitWait = false
	listStatus, listLimit, listOffset, listJSON = "", 0, 0, false
	deleteFiles, deleteOutputFile = false, false
	exportOut, exportStatus = "generations.xlsx", ""
}

func (s *GenerationCmdTestSuite) run(args ...string) (string, error) {
	resetFlags()

	var out bytes.Buffer
	Cmd.SetOut(&out)
	Cmd.SetErr(&out)
	Cmd.SetArgs(append(args, "--server", s.srv.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := Cmd.ExecuteContext(ctx)
	return out.String(), err
}

func (s *GenerationCmdTestSuite) submit(provider string, extra ...string) *models.Generation {
	args := append([]string{"submit", "--provider", provider, "--prompt", "a red cube",
		"--input", "https://example.com/in.png"}, extra...)

	out, err := s.run(args...)
	s.Require().NoError(err, out)

	var g models.Generation
	s.Require().NoError(json.Unmarshal([]byte(out), &g))
	return &g
}

func (s *GenerationCmdTestSuite) TestSubmitWait() {
	out, err := s.run("submit", "--provider", harness.FastProvider, "--prompt", "a red cube",
		"--input", "https://example.com/in.png", "--option", "numImages=2", "--option", "maxImages=1", "--wait")
	s.Require().NoError(err, out)

	s.Contains(out, "Submitted generation")

	start := strings.Index(out, "{")
	s.Require().GreaterOrEqual(start, 0)

	var g models.Generation
	s.Require().NoError(json.Unmarshal([]byte(out[start:]), &g))
	s.Equal(models.StatusCompleted, g.Status)
	s.Require().Len(g.Outputs, 2)
	s.Equal(0, g.Outputs[0].OutputIndex)
	s.Equal(1, g.Outputs[1].OutputIndex)
}

func (s *GenerationCmdTestSuite) TestSubmitValidation() {
	_, err := s.run("submit", "--provider", harness.FastProvider, "--prompt", "a red cube")
	s.Require().Error(err)
	s.Contains(err.Error(), "400")

	_, err = s.run("submit", "--provider", harness.FastProvider, "--prompt", "x", "--input", "url:https://a", "--option", "bad")
	s.Require().Error(err)
	s.Contains(err.Error(), "key=value")
}

func (s *GenerationCmdTestSuite) TestGetListAndDelete() {
	g := s.submit(harness.FastProvider)

	out, err := s.run("watch", g.ID.String())
	s.Require().NoError(err, out)
	s.Contains(out, "finished: completed (1 output(s))")

	out, err = s.run("get", g.ID.String())
	s.Require().NoError(err)
	var got models.Generation
	s.Require().NoError(json.Unmarshal([]byte(out), &got))
	s.Require().Len(got.Outputs, 1)

	out, err = s.run("list", "--status", "completed")
	s.Require().NoError(err)
	s.Contains(out, "STATUS")
	s.Contains(out, g.ID.String())

	out, err = s.run("list", "--status", "failed")
	s.Require().NoError(err)
	s.Contains(out, "No generations found.")

	dest := filepath.Join(s.T().TempDir(), "history.xlsx")
	out, err = s.run("export", "--out", dest, "--status", "completed")
	s.Require().NoError(err)
	s.Contains(out, "Exported 1 generation(s)")
	info, err := os.Stat(dest)
	s.Require().NoError(err)
	s.Positive(info.Size())

	out, err = s.run("delete-output", got.Outputs[0].ID.String(), "--file")
	s.Require().NoError(err)
	s.Contains(out, "has 0 output(s)")

	out, err = s.run("delete", g.ID.String(), "--files")
	s.Require().NoError(err)
	s.Contains(out, "Deleted generation")

	_, err = s.run("get", g.ID.String())
	s.Require().Error(err)
	s.Contains(err.Error(), "404")
}

func (s *GenerationCmdTestSuite) TestCancelAndWatch() {
	g := s.submit(harness.SlowProvider)

	out, err := s.run("cancel", g.ID.String())
	s.Require().NoError(err)
	s.Contains(out, "is cancelled")

	out, err = s.run("watch", g.ID.String())
	s.Require().NoError(err)
	s.Contains(out, "finished: cancelled")
}

func (s *GenerationCmdTestSuite) TestBadID() {
	_, err := s.run("get", "nope")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid id")
}

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs([]string{
		"https://example.com/a.png",
		"url:s3-proxy/b.png",
		"refs/in.png",
		"path:/srv/inputs/in.png",
		"  ",
	})
	require.NoError(t, err)
	require.Equal(t, []models.InputReference{
		{Type: models.InputURL, Value: "https://example.com/a.png"},
		{Type: models.InputURL, Value: "s3-proxy/b.png"},
		{Type: models.InputLocalPath, Value: "refs/in.png"},
		{Type: models.InputLocalPath, Value: "/srv/inputs/in.png"},
	}, inputs)
}

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"numImages=2", "size=512x512", "style={\"a\":1}"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"numImages": float64(2),
		"size":      "512x512",
		"style":     map[string]any{"a": float64(1)},
	}, opts)

	opts, err = parseOptions(nil)
	require.NoError(t, err)
	require.Nil(t, opts)

	_, err = parseOptions([]string{"=1"})
	require.Error(t, err)
}
