package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password and keyboard-interactive authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// Config describes how to reach one ssh target. It is decoded from the
// runtimes.ssh.targets section of the agent configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	AuthMethod AuthMethod `yaml:"auth"`

	Password string `yaml:"password,omitempty"`

	// PrivateKeyPath defaults to the first of ~/.ssh/id_ed25519, id_rsa and
	// id_ecdsa that exists.
	PrivateKeyPath       string `yaml:"privateKey,omitempty"`
	PrivateKeyPassphrase string `yaml:"passphrase,omitempty"`

	// KnownHostsPath is consulted when StrictHostKeyChecking is set.
	// Without strict checking any host key is accepted.
	KnownHostsPath        string `yaml:"knownHosts,omitempty"`
	StrictHostKeyChecking bool   `yaml:"strictHostKeyChecking"`

	ConnectionTimeout time.Duration `yaml:"connectTimeout"`

	// CommandTimeout bounds commands whose context carries no deadline.
	CommandTimeout time.Duration `yaml:"commandTimeout"`

	// KeepAliveInterval of 0 disables keep-alive requests.
	KeepAliveInterval   time.Duration `yaml:"keepAlive,omitempty"`
	MaxKeepAliveRetries int           `yaml:"keepAliveRetries,omitempty"`

	// Jump host, optional.
	ProxyHost           string     `yaml:"proxyHost,omitempty"`
	ProxyPort           int        `yaml:"proxyPort,omitempty"`
	ProxyUser           string     `yaml:"proxyUser,omitempty"`
	ProxyAuthMethod     AuthMethod `yaml:"proxyAuth,omitempty"`
	ProxyPassword       string     `yaml:"proxyPassword,omitempty"`
	ProxyPrivateKeyPath string     `yaml:"proxyPrivateKey,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        time.Minute,
		MaxKeepAliveRetries:   3,
		ProxyPort:             22,
	}
}

// ApplyDefaults fills zero values of a decoded config.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig(c.Host, c.User)
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.AuthMethod == "" {
		c.AuthMethod = def.AuthMethod
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = def.ConnectionTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.MaxKeepAliveRetries == 0 {
		c.MaxKeepAliveRetries = def.MaxKeepAliveRetries
	}
	if c.ProxyHost != "" && c.ProxyPort == 0 {
		c.ProxyPort = def.ProxyPort
	}
	if c.ProxyHost != "" && c.ProxyAuthMethod == "" {
		c.ProxyAuthMethod = c.AuthMethod
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	if err := validateAuth(c.AuthMethod, c.Password, &c.PrivateKeyPath); err != nil {
		return err
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}

	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
		if err := validateAuth(c.ProxyAuthMethod, c.ProxyPassword, &c.ProxyPrivateKeyPath); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
	}

	return nil
}

func validateAuth(method AuthMethod, password string, keyPath *string) error {
	switch method {
	case AuthMethodPassword:
		if password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if *keyPath == "" {
			*keyPath = defaultKeyPath()
			if *keyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(*keyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", *keyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %q", method)
	}
	return nil
}

func defaultKeyPath() string {
	home := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// BuildSSHClientConfig creates an ssh.ClientConfig for the target host.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	return c.clientConfig(c.User, c.AuthMethod, c.Password, c.PrivateKeyPath)
}

// buildProxyClientConfig creates an ssh.ClientConfig for the jump host.
func (c *Config) buildProxyClientConfig() (*ssh.ClientConfig, error) {
	return c.clientConfig(c.ProxyUser, c.ProxyAuthMethod, c.ProxyPassword, c.ProxyPrivateKeyPath)
}

func (c *Config) clientConfig(user string, method AuthMethod, password, keyPath string) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch method {
	case AuthMethodPassword:
		// many servers only offer keyboard-interactive for password logins
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))

	default:
		return nil, fmt.Errorf("unsupported auth method: %q", method)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking {
		if c.KnownHostsPath == "" {
			return nil, fmt.Errorf("strict host key checking requires a known_hosts file")
		}
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the target address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyAddress returns the jump host address, or "" without one.
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

// IsProxyEnabled returns true if a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}
