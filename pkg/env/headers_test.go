package env

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type HeadersSuite struct {
	suite.Suite
}

func TestHeadersSuite(t *testing.T) {
	suite.Run(t, new(HeadersSuite))
}

func (s *HeadersSuite) TestDecodePopulatesFields() {
	var h Headers
	s.Require().NoError(h.Decode(`{"Authorization":"Bearer abc","X-Team":"art"}`))
	s.Equal(Headers{"Authorization": "Bearer abc", "X-Team": "art"}, h)
}

func (s *HeadersSuite) TestDecodeEmpty() {
	h := Headers{"stale": "1"}
	s.Require().NoError(h.Decode("  "))
	s.Empty(h)
}

func (s *HeadersSuite) TestDecodeRejectsInvalid() {
	var h Headers
	s.Error(h.Decode(`["not","an","object"]`))
	s.Error(h.Decode(`{" ":"x"}`))
}

func (s *HeadersSuite) TestProcessReadsEnvironment() {
	s.T().Setenv("PIGMENT_NOTIFY_HEADERS", `{"X-Token":"t"}`)
	s.Require().NoError(Process())
	s.Equal(Headers{"X-Token": "t"}, Variables().NotifyHeaders)
}
