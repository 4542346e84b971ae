package storage

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchDir calls callback once the directory has been quiet for debounce
// after a burst of writes. The returned func stops the watch.
func watchDir(
	directory string,
	debounce time.Duration,
	logger *zap.Logger,
	callback func(),
) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	err = watcher.Add(directory)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	reload := make(chan struct{}, 1)
	go scheduleReload(reload, done, debounce, callback)
	go handleWatcher(watcher, reload, done, logger)

	stop := func() {
		close(done)
		watcher.Close()
	}
	return stop, nil
}

func handleWatcher(
	watcher *fsnotify.Watcher,
	reload chan<- struct{},
	done <-chan struct{},
	logger *zap.Logger,
) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write | fsnotify.Remove | fsnotify.Create | fsnotify.Rename) {
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("storage watcher error", zap.Error(err))
		}
	}
}

func scheduleReload(
	reload <-chan struct{},
	done <-chan struct{},
	duration time.Duration,
	callback func(),
) {
	var timer *time.Timer = nil
	var c <-chan time.Time = nil
	for {
		select {
		case <-done:
			if timer != nil {
				timer.Stop()
			}
			return

		case <-reload:
			if timer != nil {
				timer.Reset(duration)
			} else {
				timer = time.NewTimer(duration)
				c = timer.C
			}

		case <-c:
			c = nil
			timer = nil
			callback()
		}
	}
}
