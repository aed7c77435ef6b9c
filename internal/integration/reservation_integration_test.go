package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/allocation"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/db"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/dedup"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/erp"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/events"
	httpapi "github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/http"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/lock"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/queue"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/reservation"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/sequence"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/stock"
)

const (
	itemCode      = "ITM1"
	warehouseCode = "WH1"
)

func TestReservationIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test needs docker")
	}
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pgC, dbURL := startPostgres(ctx, t)
	defer terminateContainer(t, pgC)

	rabbitC, rabbitURL := startRabbitMQ(ctx, t)
	defer terminateContainer(t, rabbitC)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	require.NoError(t, db.RunMigrations(dbURL, logger))

	gw := &fakeERP{}
	erpSrv := httptest.NewServer(gw)
	defer erpSrv.Close()

	app := startReservationService(ctx, t, dbURL, rabbitURL, erpSrv.URL, logger)
	defer app.stop()

	seedStock(ctx, t, app.pool, "B1", 5, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	seedStock(ctx, t, app.pool, "B2", 5, time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC))

	client := &http.Client{Timeout: 5 * time.Second}

	// HTTP: reserve FEFO across both batches, then confirm and let the worker post it.
	var created reservation.Reservation
	status := postJSON(ctx, t, client, app.baseURL+"/api/reservations", createRequest("POS-1", 7), &created)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, reservation.StatusPending, created.Status)
	require.Len(t, created.Lines, 1)
	require.Len(t, created.Lines[0].Claims, 2)
	require.Equal(t, "B2", created.Lines[0].Claims[0].BatchNumber)

	var avail struct {
		Batches []reservation.BatchAvailability `json:"batches"`
	}
	getJSON(ctx, t, client, fmt.Sprintf("%s/api/stock/%s/%s", app.baseURL, itemCode, warehouseCode), &avail)
	left := map[string]decimal.Decimal{}
	for _, b := range avail.Batches {
		left[b.BatchNumber] = b.Available
	}
	require.True(t, left["B1"].Equal(decimal.NewFromInt(3)), "B1 available %s", left["B1"])
	require.True(t, left["B2"].IsZero(), "B2 available %s", left["B2"])

	var confirmed struct {
		QueueItemID string     `json:"queueItemId"`
		Queue       queue.Kind `json:"queue"`
	}
	status = postJSON(ctx, t, client, app.baseURL+"/api/reservations/"+created.ID+"/confirm", nil, &confirmed)
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, queue.KindInvoice, confirmed.Queue)

	require.Eventually(t, func() bool {
		return reservationStatus(ctx, client, app.baseURL, created.ID) == reservation.StatusConfirmed
	}, 20*time.Second, 100*time.Millisecond)
	require.Equal(t, []string{"POS-1"}, gw.invoiceRefs())

	// AMQP: a requested event is answered with created, and a shortfall with rejected.
	conn := dialAMQP(ctx, t, rabbitURL)
	defer conn.Close()
	createdQ := bindReplyQueue(t, conn, events.ReservationCreatedRoutingKey)
	rejectedQ := bindReplyQueue(t, conn, events.ReservationRejectedRoutingKey)

	publishRequested(ctx, t, conn, "POS-2", 1, createRequest("POS-2", 2))
	var okEnv events.EventEnvelope
	waitForMessage(ctx, t, conn, createdQ, &okEnv)
	var okPayload events.ReservationCreatedPayload
	require.NoError(t, json.Unmarshal(okEnv.Payload, &okPayload))
	require.Equal(t, "POS-2", okPayload.ExternalRef)
	require.Equal(t, int64(1), okEnv.Sequence)

	publishRequested(ctx, t, conn, "POS-3", 1, createRequest("POS-3", 50))
	var rejEnv events.EventEnvelope
	waitForMessage(ctx, t, conn, rejectedQ, &rejEnv)
	var rejPayload events.ReservationRejectedPayload
	require.NoError(t, json.Unmarshal(rejEnv.Payload, &rejPayload))
	require.Equal(t, "POS-3", rejPayload.ExternalRef)
	require.NotEmpty(t, rejPayload.Lines)
	require.True(t, rejPayload.Lines[0].Requested.Equal(decimal.NewFromInt(50)))
}

type reservationApp struct {
	baseURL string
	pool    *pgxpool.Pool
	stop    func()
}

func startReservationService(ctx context.Context, t *testing.T, dbURL, rabbitURL, erpURL string, logger *logrus.Logger) *reservationApp {
	t.Helper()

	pool, err := db.NewPool(ctx, dbURL, 5)
	require.NoError(t, err)

	conn := dialAMQP(ctx, t, rabbitURL)

	publisher, err := events.NewPublisher(conn, sequence.NewRepository(pool), events.PublisherOptions{Producer: "integration"})
	require.NoError(t, err)

	gateway, err := erp.NewClient(erpURL, &http.Client{Timeout: 5 * time.Second})
	require.NoError(t, err)

	queueStore := queue.NewPostgresStore(pool)
	queueSvc := queue.NewService(queueStore, logger)
	manager := reservation.NewManager(reservation.Deps{
		Store:    reservation.NewPostgresStore(pool),
		Stock:    stock.NewPostgresSource(pool),
		Locks:    lock.NewMemoryService(10 * time.Second),
		Previews: lock.NewPreviewStore(time.Minute),
		Engine:   allocation.NewEngine(),
		Queue:    queueSvc,
		Notifier: publisher,
		Logger:   logger,
	})
	queueSvc.SetReservationSink(manager)

	serviceCtx, cancel := context.WithCancel(ctx)

	processor := queue.NewProcessor(queue.KindInvoice, queueStore, gateway, manager, logger, queue.Config{
		Workers:      1,
		PollInterval: 50 * time.Millisecond,
		PostTimeout:  5 * time.Second,
		BaseBackoff:  time.Second,
		MaxBackoff:   time.Second,
	}, queue.WithReviewNotifier(publisher))
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		processor.Run(serviceCtx)
	}()

	handler := events.ReservationRequestedHandler(manager, dedup.NewRepository(pool), publisher, logger, events.ReservationRequestedConsumerName)
	consumer, err := events.StartConsumer(serviceCtx, conn, events.ConsumerOptions{
		RoutingKey: events.ReservationRequestedRoutingKey,
		Prefetch:   5,
	}, handler, logger)
	require.NoError(t, err)

	router := httpapi.NewRouter(httpapi.NewHandler(manager, queueSvc, logger))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	return &reservationApp{
		baseURL: fmt.Sprintf("http://%s", ln.Addr().String()),
		pool:    pool,
		stop: func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)

			cancel()
			consumer.Wait()
			_ = consumer.Close()
			workers.Wait()
			_ = publisher.Close()
			_ = conn.Close()
			pool.Close()

			select {
			case err := <-errCh:
				t.Logf("server error: %v", err)
			default:
			}
		},
	}
}

// fakeERP accepts every invoice and records its external reference.
type fakeERP struct {
	mu   sync.Mutex
	refs []string
	next int64
}

func (f *fakeERP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/invoices":
		var doc erp.InvoiceDocument
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.refs = append(f.refs, doc.ExternalRef)
		f.next++
		entry := f.next
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "docEntry": 100 + entry, "docNum": 5000 + entry})
	case "/api/fiscal-receipts":
		_, _ = w.Write([]byte(`{"success":true,"deviceNo":"FD-1","receiptNo":"1"}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeERP) invoiceRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refs...)
}

func createRequest(ref string, qty int64) reservation.CreateRequest {
	return reservation.CreateRequest{
		ExternalRef:  ref,
		CustomerCode: "C001",
		Currency:     "EUR",
		Lines: []reservation.LineInput{{
			LineNumber:    1,
			ItemCode:      itemCode,
			WarehouseCode: warehouseCode,
			Quantity:      decimal.NewFromInt(qty),
			UnitPrice:     decimal.NewFromInt(3),
		}},
	}
}

func seedStock(ctx context.Context, t *testing.T, pool *pgxpool.Pool, batch string, qty int64, expiry time.Time) {
	t.Helper()
	_, err := pool.Exec(ctx, `
		INSERT INTO erp_items (item_code, description, inventory_uom, batch_managed)
		VALUES ($1, 'Widget', 'EA', true)
		ON CONFLICT (item_code) DO NOTHING
	`, itemCode)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		INSERT INTO erp_batch_stock (item_code, warehouse_code, batch_number, quantity, expiry_date)
		VALUES ($1, $2, $3, $4, $5)
	`, itemCode, warehouseCode, batch, decimal.NewFromInt(qty), expiry)
	require.NoError(t, err)
}

func startPostgres(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "erp_reservation"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	mappedPort, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/erp_reservation?sslmode=disable", host, mappedPort.Port())
	return container, dsn
}

func startRabbitMQ(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3-management",
		ExposedPorts: []string{"5672/tcp", "15672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	mappedPort, err := container.MappedPort(ctx, "5672/tcp")
	require.NoError(t, err)

	return container, fmt.Sprintf("amqp://guest:guest@%s:%s/", host, mappedPort.Port())
}

func terminateContainer(t *testing.T, c testcontainers.Container) {
	t.Helper()
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Terminate(terminateCtx))
}

func postJSON(ctx context.Context, t *testing.T, client *http.Client, url string, body, dest any) int {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if resp.StatusCode < 300 {
		require.NoError(t, json.Unmarshal(raw, dest), string(raw))
	}
	return resp.StatusCode
}

func getJSON(ctx context.Context, t *testing.T, client *http.Client, url string, dest any) {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
}

// reservationStatus reads the status without failing the test, so it can run
// inside require.Eventually.
func reservationStatus(ctx context.Context, client *http.Client, baseURL, id string) reservation.Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/reservations/"+id, nil)
	if err != nil {
		return ""
	}
	resp, err := client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	var r reservation.Reservation
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&r) != nil {
		return ""
	}
	return r.Status
}

// bindReplyQueue declares an exclusive queue receiving routingKey from the events exchange.
func bindReplyQueue(t *testing.T, conn *amqp.Connection, routingKey string) string {
	t.Helper()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, routingKey, events.EventsExchange, false, nil))
	return q.Name
}

func publishRequested(ctx context.Context, t *testing.T, conn *amqp.Connection, partition string, seq int64, req reservation.CreateRequest) {
	t.Helper()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	payload, err := json.Marshal(req)
	require.NoError(t, err)

	body, err := json.Marshal(events.EventEnvelope{
		EventName:    events.EventTypeReservationRequested,
		EventVersion: 1,
		EventID:      uuid.NewString(),
		Producer:     "pos",
		PartitionKey: partition,
		Sequence:     seq,
		OccurredAt:   time.Now().UTC(),
		Payload:      payload,
	})
	require.NoError(t, err)

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = ch.PublishWithContext(pubCtx, events.EventsExchange, events.ReservationRequestedRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	require.NoError(t, err)
}

func waitForMessage[T any](ctx context.Context, t *testing.T, conn *amqp.Connection, queue string, dest *T) {
	t.Helper()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	pollCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	backoff := 50 * time.Millisecond
	for {
		select {
		case <-pollCtx.Done():
			t.Fatalf("timed out waiting for message on %s: %v", queue, pollCtx.Err())
		default:
		}

		msg, ok, getErr := ch.Get(queue, true)
		require.NoError(t, getErr)
		if ok {
			require.NoError(t, json.Unmarshal(msg.Body, dest))
			return
		}

		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func dialAMQP(ctx context.Context, t *testing.T, rabbitURL string) *amqp.Connection {
	t.Helper()
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, err := amqp.DialConfig(rabbitURL, amqp.Config{
		Dial: func(network, addr string) (net.Conn, error) {
			return (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 5 * time.Second,
			}).DialContext(dialCtx, network, addr)
		},
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	require.NoError(t, err)
	return conn
}
