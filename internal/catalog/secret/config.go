package secret

// Config selects the backends registered by NewConfigured.
type Config struct {
	EnableEnv  bool
	Vault      *VaultConfig
	Kubernetes *KubernetesConfig
}

// NewConfigured builds a Chain with the configured backends.
func NewConfigured(cfg Config) (*Chain, error) {
	chain := NewChain()

	if cfg.EnableEnv {
		chain.Register(NewEnv(), BackendEnv)
	}

	if cfg.Vault != nil {
		v, err := NewVault(*cfg.Vault)
		if err != nil {
			return nil, err
		}
		chain.Register(v, BackendVault)
	}

	if cfg.Kubernetes != nil {
		chain.Register(NewKubernetes(*cfg.Kubernetes), BackendKubernetes, BackendKubernetesAlias)
	}

	return chain, nil
}
