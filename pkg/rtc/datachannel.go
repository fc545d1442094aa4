package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/vango-go/vai-call/pkg/core/call"
)

// dataChannel carries realtime events as text messages.
type dataChannel struct {
	dc *webrtc.DataChannel
}

var _ call.DataChannel = (*dataChannel)(nil)

func (d *dataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

func (d *dataChannel) OnMessage(fn func(data []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (d *dataChannel) OnClose(fn func()) { d.dc.OnClose(fn) }

func (d *dataChannel) Send(data []byte) error { return d.dc.SendText(string(data)) }

func (d *dataChannel) Close() error { return d.dc.Close() }
