package test

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/call"
	"git.fleetops.dev/dispatch/golang/convoy/internal/config"
	"git.fleetops.dev/dispatch/golang/convoy/internal/database"
	"git.fleetops.dev/dispatch/golang/convoy/internal/elevenlabs"
	"git.fleetops.dev/dispatch/golang/convoy/internal/realtime"
	"git.fleetops.dev/dispatch/golang/convoy/internal/transcription"
	"git.fleetops.dev/dispatch/golang/convoy/internal/webhook"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	testWebhookSecret  = "wsec_convoy_test"
	testAPIKey         = "convoy-test-api-key"
	testWSTokenSecret  = "convoy-test-ws-secret"
	testEventsTopic    = "convoy-call-events-test"
	testConversationID = "conv_1"
)

type fakeDialer struct {
	mu       sync.Mutex
	requests []elevenlabs.OutboundCallRequest

	conversationID string
	dialErr        error
	state          *elevenlabs.ConversationState
	stateErr       error
}

func (dialer *fakeDialer) CreateOutboundCall(
	ctx context.Context,
	req elevenlabs.OutboundCallRequest,
) (string, error) {
	dialer.mu.Lock()
	defer dialer.mu.Unlock()

	dialer.requests = append(dialer.requests, req)

	if dialer.dialErr != nil {
		return "", dialer.dialErr
	}

	return dialer.conversationID, nil
}

func (dialer *fakeDialer) GetConversation(
	ctx context.Context,
	conversationID string,
) (*elevenlabs.ConversationState, error) {
	if dialer.stateErr != nil {
		return nil, dialer.stateErr
	}

	return dialer.state, nil
}

type memoryPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
}

type publishedMessage struct {
	Topic string
	Key   string
	Value []byte
}

func (publisher *memoryPublisher) SendMessage(topic string, key, value []byte) (int32, int64, error) {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	publisher.messages = append(publisher.messages, publishedMessage{
		Topic: topic,
		Key:   string(key),
		Value: value,
	})

	return 0, int64(len(publisher.messages)), nil
}

func (publisher *memoryPublisher) eventTypes(t *testing.T) []string {
	t.Helper()

	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	types := make([]string, 0, len(publisher.messages))

	for _, message := range publisher.messages {
		var event call.Event
		require.NoError(t, json.Unmarshal(message.Value, &event))

		types = append(types, event.Type)
	}

	return types
}

type memoryArchiver struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (archiver *memoryArchiver) Upload(
	ctx context.Context,
	buffer *bytes.Buffer,
	objectKey string,
) (string, error) {
	archiver.mu.Lock()
	defer archiver.mu.Unlock()

	if archiver.objects == nil {
		archiver.objects = make(map[string][]byte)
	}

	archiver.objects[objectKey] = append([]byte(nil), buffer.Bytes()...)

	return "memory://" + objectKey, nil
}

type dbSchema struct{}

func (dbSchema) apply(t *testing.T, db *gorm.DB) {
	t.Helper()

	createStatements := []string{
		`CREATE TABLE IF NOT EXISTS calls (
			call_id VARCHAR(255) PRIMARY KEY,
			driver_id BIGINT NULL,
			external_conversation_id VARCHAR(255) NULL UNIQUE,
			status VARCHAR(20) NOT NULL DEFAULT 'in_progress',
			call_start_time TIMESTAMPTZ NOT NULL,
			call_end_time TIMESTAMPTZ NULL,
			retry_count BIGINT NOT NULL DEFAULT 0,
			max_retries BIGINT NOT NULL DEFAULT 3,
			next_retry_at TIMESTAMPTZ NULL,
			parent_call_id VARCHAR(255) NULL,
			driver_name TEXT NULL,
			driver_phone TEXT NULL,
			violation_text JSONB NULL,
			reminder_text JSONB NULL,
			custom_rule TEXT NULL,
			transcript_summary TEXT NULL,
			call_duration_seconds BIGINT NULL,
			call_cost NUMERIC NULL,
			call_successful BOOLEAN NULL,
			analysis_data JSONB NULL,
			metadata_blob JSONB NULL,
			created_at TIMESTAMPTZ NULL,
			updated_at TIMESTAMPTZ NULL
		);`,
		`CREATE TABLE IF NOT EXISTS transcriptions (
			id BIGSERIAL PRIMARY KEY,
			external_conversation_id VARCHAR(255) NOT NULL,
			speaker VARCHAR(10) NOT NULL,
			message_text TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			sequence_number BIGINT NOT NULL,
			created_at TIMESTAMPTZ NULL,
			UNIQUE (external_conversation_id, sequence_number)
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_calls (
			id BIGSERIAL PRIMARY KEY,
			driver_id BIGINT NULL,
			driver_name TEXT NULL,
			driver_phone TEXT NULL,
			violation_text JSONB NULL,
			reminder_text JSONB NULL,
			custom_rule TEXT NULL,
			scheduled_time TIMESTAMPTZ NOT NULL,
			retry_count BIGINT NOT NULL DEFAULT 0,
			parent_call_id VARCHAR(255) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NULL,
			updated_at TIMESTAMPTZ NULL
		);`,
		`CREATE TABLE IF NOT EXISTS drivers (
			id BIGINT PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			phone VARCHAR(32) NOT NULL,
			created_at TIMESTAMPTZ NULL,
			updated_at TIMESTAMPTZ NULL
		);`,
	}

	for _, stmt := range createStatements {
		require.NoError(t, db.Exec(stmt).Error)
	}
}

type dockertestResources struct {
	pool           *dockertest.Pool
	mu             sync.Mutex
	activeResource []*dockertest.Resource
}

func newResources(t *testing.T) *dockertestResources {
	t.Helper()

	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	pool.MaxWait = 3 * time.Minute

	return &dockertestResources{pool: pool}
}

func (r *dockertestResources) startPostgres(t *testing.T) string {
	t.Helper()

	resource, err := r.pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "15",
		Env: []string{
			"POSTGRES_PASSWORD=secret",
			"POSTGRES_USER=convoy",
			"POSTGRES_DB=convoy",
		},
		ExposedPorts: []string{"5432/tcp"},
	})
	require.NoError(t, err)

	r.track(resource)

	hostPort := resource.GetHostPort("5432/tcp")
	host := "localhost"

	port := hostPort
	if strings.Contains(hostPort, ":") {
		parsedHost, parsedPort, err := net.SplitHostPort(hostPort)
		if err == nil {
			if parsedHost != "" && parsedHost != "0.0.0.0" {
				host = parsedHost
			}

			port = parsedPort
		} else {
			parts := strings.Split(hostPort, ":")
			port = parts[len(parts)-1]
		}
	}

	dsn := fmt.Sprintf("host=%s user=convoy password=secret dbname=convoy port=%s sslmode=disable", host, port)

	require.NoError(t, r.pool.Retry(func() error {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return err
		}

		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		return sqlDB.Ping()
	}))

	return dsn
}

func (r *dockertestResources) cleanup(t *testing.T) {
	t.Helper()

	for _, res := range r.activeResource {
		_ = r.pool.Purge(res)
	}
}

func (r *dockertestResources) track(res *dockertest.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.activeResource = append(r.activeResource, res)
}

func configureConfigForTest(t *testing.T, dsn string) {
	t.Helper()

	host, port := parsePostgresDSN(dsn)
	if host == "" {
		host = "localhost"
	}

	if port == "" {
		port = "5432"
	}

	config.Conf.PostgresHost = host
	config.Conf.PostgresPort = port
	config.Conf.PostgresUsername = "convoy"
	config.Conf.PostgresPassword = "secret"
	config.Conf.PostgresDatabase = "convoy"
	config.Conf.DBIntervalCB = 1
	config.Conf.DBConsecutiveFailuresCB = 3

	config.Conf.CallAPIKey = testAPIKey
	config.Conf.WebhookHMACSecret = testWebhookSecret
	config.Conf.WebhookToleranceMinutes = 30
	config.Conf.WSTokenSecret = testWSTokenSecret

	config.Conf.KafkaCallEventsTopic = testEventsTopic

	config.Conf.CallMaxRetries = 3
	config.Conf.CallRetryDelaysMinutes = "1,2,5"
	config.Conf.CallMinAnswerSeconds = 5
	config.Conf.ReconcileStaleSeconds = 60
	config.Conf.ReconcileVendorTimeout = 5

	config.Conf.LogFilePath = filepath.Join(os.TempDir(), "convoy-test.log")
	config.Conf.LogLevel = "INFO"
}

func parsePostgresDSN(dsn string) (string, string) {
	fields := strings.Fields(dsn)
	keyValues := map[string]string{}

	for _, field := range fields {
		parts := strings.SplitN(field, "=", 2)
		if len(parts) == 2 {
			keyValues[parts[0]] = parts[1]
		}
	}

	return keyValues["host"], keyValues["port"]
}

type workflowTestContext struct {
	t         *testing.T
	resources *dockertestResources

	db          *gorm.DB
	dialer      *fakeDialer
	publisher   *memoryPublisher
	archiver    *memoryArchiver
	manager     *realtime.Manager
	calls       *call.CallRepository
	httpServer  *httptest.Server
	callService *call.CallService
}

func (tc *workflowTestContext) cleanup() {
	tc.httpServer.Close()
	tc.resources.cleanup(tc.t)
}

func setupWorkflow(t *testing.T, configureDialer func(*fakeDialer)) *workflowTestContext {
	t.Helper()

	resources := newResources(t)

	dsn := resources.startPostgres(t)
	configureConfigForTest(t, dsn)

	db, err := database.NewDatabase()
	require.NoError(t, err)

	dbSchema{}.apply(t, db)

	dialer := &fakeDialer{conversationID: testConversationID}
	configureDialer(dialer)

	publisher := &memoryPublisher{}
	archiver := &memoryArchiver{}

	callRepository := call.NewCallRepository(db)
	transcriptionRepository := transcription.NewTranscriptionRepository(db)

	callService := call.NewService(callRepository, dialer, publisher, archiver)

	manager := realtime.NewManager(callRepository, transcriptionRepository)

	handler := webhook.NewHandler(callRepository, transcriptionRepository, manager, callService, callService)
	server := webhook.NewServer(handler, manager)

	httpServer := httptest.NewServer(server.Router())

	return &workflowTestContext{
		t:           t,
		resources:   resources,
		db:          db,
		dialer:      dialer,
		publisher:   publisher,
		archiver:    archiver,
		manager:     manager,
		calls:       callRepository,
		httpServer:  httpServer,
		callService: callService,
	}
}

func (tc *workflowTestContext) postSigned(t *testing.T, path, body string) *http.Response {
	t.Helper()

	request, err := http.NewRequest(http.MethodPost, tc.httpServer.URL+path, strings.NewReader(body))
	require.NoError(t, err)

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("ElevenLabs-Signature",
		webhook.SignBody(config.Conf.WebhookHMACSecret, time.Now().Unix(), []byte(body)))

	response, err := tc.httpServer.Client().Do(request)
	require.NoError(t, err)

	return response
}

func (tc *workflowTestContext) placeCall(t *testing.T, body string) *http.Response {
	t.Helper()

	request, err := http.NewRequest(http.MethodPost, tc.httpServer.URL+"/api/calls", strings.NewReader(body))
	require.NoError(t, err)

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+testAPIKey)

	response, err := tc.httpServer.Client().Do(request)
	require.NoError(t, err)

	return response
}

func (tc *workflowTestContext) dialWebsocket(t *testing.T) *websocket.Conn {
	t.Helper()

	token, err := realtime.IssueToken("dispatcher-test", time.Minute)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(tc.httpServer.URL, "http") + "/ws?token=" + token

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(payload, &frame))

	return frame
}

func decodeResponse(t *testing.T, response *http.Response) map[string]any {
	t.Helper()

	defer response.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(response.Body).Decode(&body))

	return body
}
