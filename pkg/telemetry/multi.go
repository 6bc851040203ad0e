package telemetry

import (
	"time"

	"github.com/colonialwars/cwclient/pkg/cwdtp"
	"github.com/colonialwars/cwclient/pkg/predict"
	"github.com/colonialwars/cwclient/pkg/protocol"
)

type multiObserver []cwdtp.Observer

// Multi fans connection callbacks out to every non-nil observer in order.
func Multi(obs ...cwdtp.Observer) cwdtp.Observer {
	out := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiObserver) StateChanged(from, to cwdtp.State) {
	for _, o := range m {
		o.StateChanged(from, to)
	}
}

func (m multiObserver) FrameSent(event string, size int) {
	for _, o := range m {
		o.FrameSent(event, size)
	}
}

func (m multiObserver) FrameReceived(event string, size int) {
	for _, o := range m {
		o.FrameReceived(event, size)
	}
}

func (m multiObserver) DecodeFailed(err error) {
	for _, o := range m {
		o.DecodeFailed(err)
	}
}

func (m multiObserver) HandshakeDone(d time.Duration, err error) {
	for _, o := range m {
		o.HandshakeDone(d, err)
	}
}

func (m multiObserver) Closed(code protocol.CloseCode, wasError bool) {
	for _, o := range m {
		o.Closed(code, wasError)
	}
}

type multiReconciler []predict.Observer

// MultiReconciler fans reconciliation results out to every non-nil
// observer in order.
func MultiReconciler(obs ...predict.Observer) predict.Observer {
	out := make(multiReconciler, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiReconciler) Reconciled(dropped, replayed int, correction float64) {
	for _, o := range m {
		o.Reconciled(dropped, replayed, correction)
	}
}
