package tlswatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const pollInterval = 60 * time.Second

// Keypair serves the WS listener's TLS certificate and reloads it when the
// files change on disk, so certificate rotation does not require a restart.
type Keypair struct {
	certPath string
	keyPath  string

	mu   sync.RWMutex
	cert *tls.Certificate
}

func NewKeypair(certPath, keyPath string) (*Keypair, error) {
	k := &Keypair{certPath: certPath, keyPath: keyPath}
	if err := k.Reload(); err != nil {
		return nil, err
	}
	return k, nil
}

// GetCertificate plugs into tls.Config.
func (k *Keypair) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.cert, nil
}

// Reload re-reads the pair. A half-rotated pair (cert written, key not yet)
// fails to parse and the previous certificate stays in service.
func (k *Keypair) Reload() error {
	cert, err := tls.LoadX509KeyPair(k.certPath, k.keyPath)
	if err != nil {
		return fmt.Errorf("load keypair: %w", err)
	}
	k.mu.Lock()
	k.cert = &cert
	k.mu.Unlock()
	return nil
}

// Watch reloads on file change. fsnotify when available, with a slow polling
// loop always running as a safety net (some mounts drop inotify events).
func (k *Keypair) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[TLSWatch] fsnotify unavailable (%v), polling only", err)
		watcher = nil
	} else {
		for _, p := range []string{k.certPath, k.keyPath} {
			if err := watcher.Add(p); err != nil {
				log.Printf("[TLSWatch] cannot watch %s (%v), polling only", p, err)
				watcher.Close()
				watcher = nil
				break
			}
		}
	}

	if watcher != nil {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						// Small debounce: cert and key are usually written
						// back to back.
						time.Sleep(100 * time.Millisecond)
						if err := k.Reload(); err != nil {
							log.Printf("[TLSWatch] reload: %v", err)
						} else {
							log.Printf("[TLSWatch] certificate reloaded")
						}
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[TLSWatch] watcher error: %v", err)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := k.Reload(); err != nil {
					log.Printf("[TLSWatch] poll reload: %v", err)
				}
			}
		}
	}()
}
