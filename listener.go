package fetchq

// Listener receives notifications for one request. Methods may be called
// from any worker goroutine.
type Listener interface {
	// OnProgress reports an integer percentage for key.
	OnProgress(percent int, key string)
	// OnComplete reports that key is available in the cache.
	OnComplete(key string)
	// OnError reports a terminal failure.
	OnError(msg string)
}

// ListenerFuncs adapts optional functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Progress func(percent int, key string)
	Complete func(key string)
	Error    func(msg string)
}

func (f ListenerFuncs) OnProgress(percent int, key string) {
	if f.Progress != nil {
		f.Progress(percent, key)
	}
}

func (f ListenerFuncs) OnComplete(key string) {
	if f.Complete != nil {
		f.Complete(key)
	}
}

func (f ListenerFuncs) OnError(msg string) {
	if f.Error != nil {
		f.Error(msg)
	}
}

// nopListener drops everything; it stands in for a nil Listener.
type nopListener struct{}

func (nopListener) OnProgress(int, string) {}
func (nopListener) OnComplete(string)      {}
func (nopListener) OnError(string)         {}

func orNop(l Listener) Listener {
	if l == nil {
		return nopListener{}
	}
	return l
}

// batchListener folds the per-key notifications of a batch into one
// timeline on the wrapped listener.
//
// Progress within key i of n is reported as p/n + 100/n*i, which can step
// back slightly when a new key starts. Completion of every key but the last
// is reported as progress; only the last fires OnComplete.
type batchListener struct {
	next Listener
	keys []string
}

func newBatchListener(next Listener, keys []string) Listener {
	if len(keys) <= 1 {
		return next
	}
	ks := make([]string, len(keys))
	copy(ks, keys)
	return &batchListener{next: next, keys: ks}
}

func (b *batchListener) index(key string) int {
	for i, k := range b.keys {
		if k == key {
			return i
		}
	}
	return -1
}

func (b *batchListener) OnProgress(percent int, key string) {
	n := float64(len(b.keys))
	i := b.index(key)
	if i < 0 {
		i = 0
	}
	b.next.OnProgress(int(float64(percent)/n+100/n*float64(i)), key)
}

func (b *batchListener) OnComplete(key string) {
	i := b.index(key)
	if i == len(b.keys)-1 {
		b.next.OnComplete(key)
		return
	}
	b.next.OnProgress(int(float64(i+1)/float64(len(b.keys))*100), key)
}

func (b *batchListener) OnError(msg string) { b.next.OnError(msg) }
