package secret

import (
	"context"
	"errors"
	"testing"

	vault "github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/suite"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

type stubResolver struct {
	value string
	err   error
	seen  []string
}

func (s *stubResolver) Resolve(_ context.Context, value string) (string, error) {
	s.seen = append(s.seen, value)
	return s.value, s.err
}

type fakeVault struct {
	secret *vault.Secret
	err    error
	path   string
	params map[string][]string
}

func (f *fakeVault) ReadWithDataWithContext(_ context.Context, path string, data map[string][]string) (*vault.Secret, error) {
	f.path = path
	f.params = data
	return f.secret, f.err
}

type SecretSuite struct {
	suite.Suite
	ctx context.Context
}

func TestSecretSuite(t *testing.T) {
	suite.Run(t, new(SecretSuite))
}

func (s *SecretSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *SecretSuite) TestParse() {
	ref, err := Parse("secret://Vault/kv/data/acme/api_key?version=2")
	s.Require().NoError(err)
	s.Equal("vault", ref.Backend)
	s.Equal("kv/data/acme/api_key", ref.Path)
	s.Equal([]string{"kv", "data", "acme", "api_key"}, ref.Segments)
	s.Equal("2", ref.Query.Get("version"))

	_, err = Parse("https://vault/kv")
	s.Require().Error(err)

	_, err = Parse("secret:///kv")
	s.Require().Error(err)
}

func (s *SecretSuite) TestChainPassesLiterals() {
	stub := &stubResolver{value: "resolved"}
	chain := NewChain().Register(stub, "env")

	value, err := chain.Resolve(s.ctx, "sk-literal")
	s.Require().NoError(err)
	s.Equal("sk-literal", value)
	s.Empty(stub.seen)

	value, err = chain.Resolve(s.ctx, "secret://env/ACME_KEY")
	s.Require().NoError(err)
	s.Equal("resolved", value)
	s.Equal([]string{"secret://env/ACME_KEY"}, stub.seen)
}

func (s *SecretSuite) TestChainUnknownBackend() {
	_, err := NewChain().Resolve(s.ctx, "secret://vault/kv/key")
	s.Require().ErrorIs(err, ErrUnknownBackend)
}

func (s *SecretSuite) TestEnv() {
	env := &Env{lookup: func(name string) (string, bool) {
		if name == "ACME_API_KEY" {
			return "sk-123", true
		}
		return "", false
	}}

	value, err := env.Resolve(s.ctx, "secret://env/ACME/API/KEY")
	s.Require().NoError(err)
	s.Equal("sk-123", value)

	value, err = env.Resolve(s.ctx, "secret://env?name=ACME_API_KEY")
	s.Require().NoError(err)
	s.Equal("sk-123", value)

	_, err = env.Resolve(s.ctx, "secret://env/MISSING")
	s.Require().Error(err)

	_, err = env.Resolve(s.ctx, "secret://env")
	s.Require().Error(err)
}

func (s *SecretSuite) TestVaultKVv2WithVersion() {
	reader := &fakeVault{secret: &vault.Secret{Data: map[string]any{
		"data": map[string]any{"api_key": "sk-vault"},
	}}}

	value, err := newVaultWithReader(reader).Resolve(s.ctx, "secret://vault/kv/data/acme?field=api_key&version=3")
	s.Require().NoError(err)
	s.Equal("sk-vault", value)
	s.Equal("kv/data/acme", reader.path)
	s.Equal(map[string][]string{"version": {"3"}}, reader.params)
}

func (s *SecretSuite) TestVaultFieldAsSegment() {
	reader := &fakeVault{secret: &vault.Secret{Data: map[string]any{"api_key": "sk-v1"}}}

	value, err := newVaultWithReader(reader).Resolve(s.ctx, "secret://vault/secret/acme/api_key")
	s.Require().NoError(err)
	s.Equal("sk-v1", value)
	s.Equal("secret/acme", reader.path)
	s.Nil(reader.params)
}

func (s *SecretSuite) TestVaultFailures() {
	missing := newVaultWithReader(&fakeVault{secret: &vault.Secret{Data: map[string]any{}}})
	_, err := missing.Resolve(s.ctx, "secret://vault/secret/acme?field=api_key")
	s.Require().Error(err)

	_, err = missing.Resolve(s.ctx, "secret://vault/onlypath")
	s.Require().Error(err)

	broken := newVaultWithReader(&fakeVault{err: errors.New("permission denied")})
	_, err = broken.Resolve(s.ctx, "secret://vault/secret/acme/api_key")
	s.Require().ErrorContains(err, "permission denied")

	absent := newVaultWithReader(&fakeVault{})
	_, err = absent.Resolve(s.ctx, "secret://vault/secret/acme/api_key")
	s.Require().ErrorContains(err, "not found")

	_, err = NewVault(VaultConfig{})
	s.Require().Error(err)
}

func (s *SecretSuite) TestKubernetes() {
	client := fake.NewClientset(
		&corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: "acme", Namespace: "pigment"},
			Data:       map[string][]byte{"api_key": []byte("sk-k8s")},
		},
		&corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: "acme", Namespace: "shared"},
			Data:       map[string][]byte{"api_key": []byte("sk-shared")},
		},
	)
	k := newKubernetesWithClient(client, "pigment")

	value, err := k.Resolve(s.ctx, "secret://k8s/acme/api_key")
	s.Require().NoError(err)
	s.Equal("sk-k8s", value)

	value, err = k.Resolve(s.ctx, "secret://kubernetes/shared/acme/api_key")
	s.Require().NoError(err)
	s.Equal("sk-shared", value)

	_, err = k.Resolve(s.ctx, "secret://k8s/acme/missing")
	s.Require().Error(err)

	_, err = k.Resolve(s.ctx, "secret://k8s/acme")
	s.Require().Error(err)
}

func (s *SecretSuite) TestNewConfigured() {
	chain, err := NewConfigured(Config{
		EnableEnv:  true,
		Kubernetes: &KubernetesConfig{Namespace: "pigment"},
	})
	s.Require().NoError(err)
	s.Equal([]string{"env", "k8s", "kubernetes"}, chain.Backends())

	_, err = NewConfigured(Config{Vault: &VaultConfig{}})
	s.Require().Error(err)
}
