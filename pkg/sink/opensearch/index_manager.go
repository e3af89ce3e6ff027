package opensearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/Avi18971911/Flume/pkg/config"
	"github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"
)

const (
	ismPolicyEndpoint  = "/_plugins/_ism/policies/"
	initialIndexSuffix = "-000001"
	ismTemplateKey     = "ism_template"
)

// defaultISMPolicy rolls the write index over daily or at 50gb.
const defaultISMPolicy = `{
  "policy": {
    "description": "Managed rollover policy",
    "default_state": "current_write_index",
    "states": [
      {
        "name": "current_write_index",
        "actions": [{"rollover": {"min_index_age": "24h", "min_size": "50gb"}}],
        "transitions": []
      }
    ],
    "ism_template": {"index_patterns": []}
  }
}`

// IndexManager ensures the sink's target resource exists before the first
// flush. Setup is invoked exactly once per sink lifecycle; failures are
// fatal to initialization.
type IndexManager interface {
	Setup(ctx context.Context) error
	IndexAlias() string
}

// NewIndexManager selects the strategy for the configured index type.
func NewIndexManager(es *elasticsearch.Client, cfg config.SinkConfig, logger *zap.Logger) (IndexManager, error) {
	switch cfg.IndexType {
	case config.IndexTypeTraceRaw, config.IndexTypeTraceServiceMap:
		return &AliasIndexManager{
			es:            es,
			indexAlias:    cfg.Index,
			ismPolicyFile: cfg.ISMPolicyFile,
			logger:        logger,
		}, nil
	case config.IndexTypeCustom:
		return &TemplateIndexManager{
			es:           es,
			indexAlias:   cfg.Index,
			templateFile: cfg.TemplateFile,
			logger:       logger,
		}, nil
	case config.IndexTypeManagementDisabled:
		return &PlainIndexManager{
			es:         es,
			indexAlias: cfg.Index,
			logger:     logger,
		}, nil
	default:
		return nil, fmt.Errorf("unrecognized index type %q", cfg.IndexType)
	}
}

// AliasIndexManager manages time-series indices: an index lifecycle policy
// plus an alias pointing at an initial write index.
type AliasIndexManager struct {
	es            *elasticsearch.Client
	indexAlias    string
	ismPolicyFile string
	logger        *zap.Logger
}

func (m *AliasIndexManager) IndexAlias() string { return m.indexAlias }

func (m *AliasIndexManager) Setup(ctx context.Context) error {
	policyJSON, err := m.loadPolicy()
	if err != nil {
		return err
	}
	if err := m.ensurePolicy(ctx, policyJSON); err != nil {
		return fmt.Errorf("failed to ensure ism policy for alias %s: %w", m.indexAlias, err)
	}
	if err := m.ensureWriteIndex(ctx); err != nil {
		return fmt.Errorf("failed to ensure write index for alias %s: %w", m.indexAlias, err)
	}
	return nil
}

func (m *AliasIndexManager) loadPolicy() (string, error) {
	if m.ismPolicyFile == "" {
		return defaultISMPolicy, nil
	}
	policyBytes, err := os.ReadFile(m.ismPolicyFile)
	if err != nil {
		return "", fmt.Errorf("failed to read ism policy file %s: %w", m.ismPolicyFile, err)
	}
	return string(policyBytes), nil
}

// putPolicy issues the idempotent PUT and returns the response body.
func (m *AliasIndexManager) putPolicy(ctx context.Context, policyJSON string) (int, string, error) {
	request, err := http.NewRequestWithContext(
		ctx, http.MethodPut, ismPolicyEndpoint+m.indexAlias+"-policy", strings.NewReader(policyJSON))
	if err != nil {
		return 0, "", fmt.Errorf("failed to build ism policy request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := m.es.Perform(request)
	if err != nil {
		return 0, "", fmt.Errorf("failed to put ism policy: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return response.StatusCode, "", fmt.Errorf("failed to read ism policy response: %w", err)
	}
	return response.StatusCode, string(body), nil
}

// ensurePolicy tolerates an already-present policy and retries without the
// ism_template field when the server does not support it.
func (m *AliasIndexManager) ensurePolicy(ctx context.Context, policyJSON string) error {
	status, body, err := m.putPolicy(ctx, policyJSON)
	if err != nil {
		return err
	}
	if status < 300 {
		return nil
	}
	if strings.Contains(body, "Invalid field: [ism_template]") {
		stripped, stripErr := dropISMTemplate(policyJSON)
		if stripErr != nil {
			return stripErr
		}
		status, body, err = m.putPolicy(ctx, stripped)
		if err != nil {
			return err
		}
		if status < 300 {
			return nil
		}
	}
	if strings.Contains(body, "version_conflict_engine_exception") ||
		strings.Contains(body, "resource_already_exists_exception") {
		// The policy exists, possibly created by another host. It may
		// differ from the desired one.
		m.logger.Warn("ISM policy already exists and may differ from the configured one",
			zap.String("policy", m.indexAlias+"-policy"),
		)
		return nil
	}
	return fmt.Errorf("ism policy install rejected with status %d: %s", status, body)
}

func dropISMTemplate(policyJSON string) (string, error) {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(policyJSON), &parsed); err != nil {
		return "", fmt.Errorf("failed to parse ism policy: %w", err)
	}
	if policy, ok := parsed["policy"].(map[string]interface{}); ok {
		delete(policy, ismTemplateKey)
	}
	strippedBytes, err := json.Marshal(parsed)
	if err != nil {
		return "", fmt.Errorf("failed to re-serialize ism policy: %w", err)
	}
	return string(strippedBytes), nil
}

func (m *AliasIndexManager) ensureWriteIndex(ctx context.Context) error {
	existsResponse, err := m.es.Indices.ExistsAlias(
		[]string{m.indexAlias},
		m.es.Indices.ExistsAlias.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to check alias %s: %w", m.indexAlias, err)
	}
	defer existsResponse.Body.Close()
	if existsResponse.StatusCode == 200 {
		return nil
	}

	initialIndex := m.indexAlias + initialIndexSuffix
	body := fmt.Sprintf(`{"aliases": {%q: {"is_write_index": true}}}`, m.indexAlias)
	createResponse, err := m.es.Indices.Create(
		initialIndex,
		m.es.Indices.Create.WithBody(strings.NewReader(body)),
		m.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to create initial write index %s: %w", initialIndex, err)
	}
	defer createResponse.Body.Close()
	if createResponse.IsError() && createResponse.StatusCode != 400 {
		return fmt.Errorf("initial write index creation failed: %s", createResponse.String())
	}
	return nil
}

// TemplateIndexManager installs an index template when absent; index
// creation is left to the cluster.
type TemplateIndexManager struct {
	es           *elasticsearch.Client
	indexAlias   string
	templateFile string
	logger       *zap.Logger
}

func (m *TemplateIndexManager) IndexAlias() string { return m.indexAlias }

func (m *TemplateIndexManager) Setup(ctx context.Context) error {
	if m.templateFile == "" {
		return nil
	}
	templateName := m.indexAlias + "-template"
	existsResponse, err := m.es.Indices.ExistsTemplate(
		[]string{templateName},
		m.es.Indices.ExistsTemplate.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to check template %s: %w", templateName, err)
	}
	defer existsResponse.Body.Close()
	if existsResponse.StatusCode == 200 {
		return nil
	}

	templateBytes, err := os.ReadFile(m.templateFile)
	if err != nil {
		return fmt.Errorf("failed to read template file %s: %w", m.templateFile, err)
	}
	putResponse, err := m.es.Indices.PutTemplate(
		templateName,
		strings.NewReader(string(templateBytes)),
		m.es.Indices.PutTemplate.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to install template %s: %w", templateName, err)
	}
	defer putResponse.Body.Close()
	if putResponse.IsError() {
		return fmt.Errorf("template install failed: %s", putResponse.String())
	}
	return nil
}

// PlainIndexManager just makes sure the index exists.
type PlainIndexManager struct {
	es         *elasticsearch.Client
	indexAlias string
	logger     *zap.Logger
}

func (m *PlainIndexManager) IndexAlias() string { return m.indexAlias }

func (m *PlainIndexManager) Setup(ctx context.Context) error {
	existsResponse, err := m.es.Indices.Exists(
		[]string{m.indexAlias},
		m.es.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", m.indexAlias, err)
	}
	defer existsResponse.Body.Close()
	if existsResponse.StatusCode == 200 {
		return nil
	}
	createResponse, err := m.es.Indices.Create(
		m.indexAlias,
		m.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", m.indexAlias, err)
	}
	defer createResponse.Body.Close()
	if createResponse.IsError() && createResponse.StatusCode != 400 {
		return fmt.Errorf("index creation failed: %s", createResponse.String())
	}
	return nil
}
