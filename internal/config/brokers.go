package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"mervalmcp/internal/domain"
)

// BrokerFile mirrors the broker_config.json registry: the set of reachable
// brokers and the user accounts mapped onto them.
type BrokerFile struct {
	Brokers      map[string]Broker      `json:"brokers"`
	UserAccounts map[string]UserAccount `json:"user_accounts"`
}

// Broker describes one gateway endpoint.
type Broker struct {
	Name           string `json:"name"`
	APIURL         string `json:"api_url"`
	WSURL          string `json:"ws_url"`
	Proprietary    string `json:"proprietary"`
	Environment    string `json:"environment"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Default        bool   `json:"default"`
}

// UserAccount maps a user id to broker credentials. Password may be a
// literal or an environment reference of the form ${NAME}.
type UserAccount struct {
	Broker   string `json:"broker"`
	Username string `json:"username"`
	Password string `json:"password"`
	Account  string `json:"account"`
}

// LoadBrokers reads and parses the JSON broker registry at path.
func LoadBrokers(path string) (*BrokerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	bf := &BrokerFile{}
	if err := json.Unmarshal(data, bf); err != nil {
		return nil, err
	}
	return bf, nil
}

// SetBrokers installs a broker registry directly, replacing whatever Load
// picked up from disk. Used by tests and by embedded deployments.
func (c *Config) SetBrokers(bf *BrokerFile) {
	c.brokers = bf
}

// GetBrokerConfig resolves a broker id to its gateway endpoint. An empty id
// selects the default broker.
func (c *Config) GetBrokerConfig(brokerID string) (string, Broker, error) {
	if c.brokers == nil || len(c.brokers.Brokers) == 0 {
		return "", Broker{}, &domain.ConfigurationError{What: "no brokers configured"}
	}
	if brokerID == "" {
		return c.defaultBroker()
	}
	b, ok := c.brokers.Brokers[brokerID]
	if !ok {
		return "", Broker{}, &domain.ConfigurationError{What: fmt.Sprintf("unknown broker %q", brokerID)}
	}
	if b.TimeoutSeconds <= 0 {
		b.TimeoutSeconds = c.Gateway.RequestTimeoutSeconds
	}
	return brokerID, b, nil
}

func (c *Config) defaultBroker() (string, Broker, error) {
	ids := make([]string, 0, len(c.brokers.Brokers))
	for id := range c.brokers.Brokers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c.brokers.Brokers[id].Default {
			return c.GetBrokerConfig(id)
		}
	}
	return "", Broker{}, &domain.ConfigurationError{What: "no default broker configured"}
}

// GetUserAccount resolves a user id to credentials and the owning broker
// id. Environment references in the password field are expanded against the
// process environment.
func (c *Config) GetUserAccount(userID string) (string, domain.Credentials, error) {
	if c.brokers == nil || len(c.brokers.UserAccounts) == 0 {
		return "", domain.Credentials{}, &domain.ConfigurationError{What: "no user accounts configured"}
	}
	acct, ok := c.brokers.UserAccounts[userID]
	if !ok {
		return "", domain.Credentials{}, &domain.ConfigurationError{What: fmt.Sprintf("unknown user %q", userID)}
	}

	password, err := expandEnvRef(acct.Password)
	if err != nil {
		return "", domain.Credentials{}, &domain.ConfigurationError{
			What: fmt.Sprintf("password for user %q", userID), Err: err,
		}
	}

	brokerID, broker, err := c.GetBrokerConfig(acct.Broker)
	if err != nil {
		return "", domain.Credentials{}, err
	}

	return brokerID, domain.Credentials{
		Username:    acct.Username,
		Password:    password,
		Account:     acct.Account,
		Environment: broker.Environment,
	}, nil
}

// DefaultUser returns the first configured user id (sorted for
// determinism) for tool calls that carry no explicit user.
func (c *Config) DefaultUser() (string, bool) {
	if c.brokers == nil || len(c.brokers.UserAccounts) == 0 {
		return "", false
	}
	ids := make([]string, 0, len(c.brokers.UserAccounts))
	for id := range c.brokers.UserAccounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0], true
}

// ListUsers returns all configured user ids.
func (c *Config) ListUsers() []string {
	if c.brokers == nil {
		return nil
	}
	ids := make([]string, 0, len(c.brokers.UserAccounts))
	for id := range c.brokers.UserAccounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// expandEnvRef resolves a ${NAME} reference against the environment. A
// literal value passes through unchanged; a reference to an unset variable
// is an error so a misconfigured account fails loudly instead of logging in
// with an empty password.
func expandEnvRef(value string) (string, error) {
	if !strings.HasPrefix(value, "${") || !strings.HasSuffix(value, "}") {
		return value, nil
	}
	name := value[2 : len(value)-1]
	resolved, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return resolved, nil
}
