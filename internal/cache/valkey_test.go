package cache

import (
	"bufio"
	"net"
	"testing"
	"time"
)

func TestParseReplyArray(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		server.Write([]byte("*3\r\n$7\r\nmessage\r\n$6\r\nalerts\r\n$5\r\nhello\r\n"))
	}()

	vc := &valkeyConn{
		conn:   client,
		reader: bufio.NewReader(client),
		writer: bufio.NewWriter(client),
		cfg:    ValkeyConfig{ReadTimeout: time.Second, WriteTimeout: time.Second},
	}

	reply, err := vc.readReply()
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if reply.typ != replyArray || len(reply.elems) != 3 {
		t.Fatalf("expected 3-element array, got type %s len %d", reply.typ, len(reply.elems))
	}

	msg, ok := pubsubMessage(reply)
	if !ok {
		t.Fatalf("expected delivery frame to parse")
	}
	if msg.Channel != "alerts" || string(msg.Payload) != "hello" {
		t.Fatalf("unexpected message %q %q", msg.Channel, msg.Payload)
	}
}

func TestPubsubMessageRejectsOtherFrames(t *testing.T) {
	confirm := respReply{typ: replyArray, elems: []respReply{
		{typ: replyBulkString, data: []byte("subscribe")},
		{typ: replyBulkString, data: []byte("alerts")},
		{typ: replyInteger, data: []byte("1")},
	}}
	if _, ok := pubsubMessage(confirm); ok {
		t.Fatalf("expected confirmation frame to be skipped")
	}
	if _, ok := pubsubMessage(respReply{typ: replyBulkString}); ok {
		t.Fatalf("expected non-array frame to be skipped")
	}
}
