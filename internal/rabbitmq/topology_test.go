package rabbitmq

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type recordingDeclarer struct {
	calls    []string
	args     map[string]amqp.Table
	failBind bool
}

func (d *recordingDeclarer) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	d.calls = append(d.calls, "exchange:"+name)
	return nil
}

func (d *recordingDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	d.calls = append(d.calls, "queue:"+name)
	if d.args == nil {
		d.args = map[string]amqp.Table{}
	}
	d.args[name] = args
	return amqp.Queue{Name: name}, nil
}

func (d *recordingDeclarer) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if d.failBind {
		return errors.New("channel closed")
	}
	d.calls = append(d.calls, "bind:"+name+"->"+exchange+"/"+key)
	return nil
}

func TestDeclareRoutes(t *testing.T) {
	d := &recordingDeclarer{}
	if err := declare(d, resultRoute, retryRoute); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"exchange:" + ResultsExchange,
		"queue:" + ResultsQueue,
		"bind:" + ResultsQueue + "->" + ResultsExchange + "/" + ResultsRoutingKey,
		"exchange:" + RetryExchange,
		"queue:" + RetryQueue,
		"bind:" + RetryQueue + "->" + RetryExchange + "/" + RetryRoutingKey,
	}
	if len(d.calls) != len(want) {
		t.Fatalf("calls = %v", d.calls)
	}
	for i := range want {
		if d.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, d.calls[i], want[i])
		}
	}

	retry := d.args[RetryQueue]
	if retry["x-dead-letter-exchange"] != MainExchange || retry["x-dead-letter-routing-key"] != MainRoutingKey {
		t.Errorf("retry queue does not dead-letter to the request route: %v", retry)
	}
	if retry["x-message-ttl"] != int32(RetryTTLMs) {
		t.Errorf("retry ttl = %v", retry["x-message-ttl"])
	}
}

func TestDeclareStopsOnError(t *testing.T) {
	d := &recordingDeclarer{failBind: true}
	if err := declare(d, requestRoute, resultRoute); err == nil {
		t.Fatal("expected bind error")
	}
	if len(d.calls) != 2 {
		t.Errorf("declaration continued after failure: %v", d.calls)
	}
}
