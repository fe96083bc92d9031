package mirror

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeAddr reserves a loopback port and releases it for the broker.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startBroker(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)

	broker := mochi.New(nil)
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{
		ID:      "t1",
		Type:    "tcp",
		Address: addr,
	})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { _ = broker.Close() })
	return addr
}

type received struct {
	topic   string
	payload string
	plantID string
}

func subscribe(ctx context.Context, t *testing.T, addr, filter string) <-chan received {
	t.Helper()
	out := make(chan received, 16)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	require.NoError(t, err)

	client := paho.NewClient(paho.ClientConfig{
		ClientID: "test-subscriber",
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				msg := received{topic: pr.Packet.Topic, payload: string(pr.Packet.Payload)}
				if pr.Packet.Properties != nil {
					msg.plantID = pr.Packet.Properties.User.Get("plantId")
				}
				out <- msg
				return true, nil
			},
		},
	})
	_, err = client.Connect(ctx, &paho.Connect{ClientID: "test-subscriber", KeepAlive: 5, CleanStart: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(&paho.Disconnect{}) })

	_, err = client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	})
	require.NoError(t, err)
	return out
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Broker: "no-port", Topic: "pmc"})
	assert.Error(t, err)

	_, err = New(Options{Broker: "localhost:1883"})
	assert.Error(t, err)

	_, err = New(Options{Broker: "localhost:1883", Topic: "pmc", QoS: 3})
	assert.Error(t, err)

	p, err := New(Options{Broker: "tcp://localhost:1883", Topic: "pmc", ClientID: "pmc"})
	require.NoError(t, err)
	assert.Contains(t, p.ClientID(), "pmc-")
}

func TestPublishReachesSubscriber(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := startBroker(t)
	msgs := subscribe(ctx, t, addr, "pmc/reports/#")

	p, err := New(Options{Broker: "tcp://" + addr, Topic: "pmc/reports", QoS: 1, PlantID: "PLANT_A"})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	require.NoError(t, p.Publish(ctx, "report", []byte("REPORT_BEGIN\nplant_id=PLANT_A\nREPORT_END\n")))
	require.NoError(t, p.Publish(ctx, "emergency", []byte("EMERGENCY_BEGIN\n")))

	select {
	case m := <-msgs:
		assert.Equal(t, "pmc/reports/report", m.topic)
		assert.Contains(t, m.payload, "plant_id=PLANT_A")
		assert.Equal(t, "PLANT_A", m.plantID)
	case <-ctx.Done():
		t.Fatal("report not received")
	}
	select {
	case m := <-msgs:
		assert.Equal(t, "pmc/reports/emergency", m.topic)
	case <-ctx.Done():
		t.Fatal("emergency not received")
	}

	published, failed := p.Stats()
	assert.Equal(t, uint64(2), published)
	assert.Zero(t, failed)
}

func TestPublishBrokerUnavailable(t *testing.T) {
	p, err := New(Options{Broker: freeAddr(t), Topic: "pmc", ConnectTimeout: time.Second})
	require.NoError(t, err)

	err = p.Publish(context.Background(), "report", []byte("x"))
	assert.Error(t, err)
	_, failed := p.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestPublishAfterClose(t *testing.T) {
	addr := startBroker(t)
	p, err := New(Options{Broker: addr, Topic: "pmc"})
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), "report", []byte("x")))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Publish(context.Background(), "report", []byte("x")), ErrClosed)
}
