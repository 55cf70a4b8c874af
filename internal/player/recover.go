package player

import (
	"errors"
	"log/slog"

	"hls-playback/internal/recovery"
	"hls-playback/internal/streamerr"
)

var errRetriesExhausted = errors.New("network retries exhausted")

// pumpRuntime forwards one runtime's events until Destroy closes the channel.
// Events from a runtime replaced by a full reload are dropped.
func (s *Session) pumpRuntime(gen uint64, rt Runtime) {
	defer s.wg.Done()
	for ev := range rt.Events() {
		if !s.current(gen) {
			continue
		}
		switch ev.Kind {
		case EventError:
			s.handleError(gen, ev.Error)
		case EventFragmentLoaded:
			s.onFragmentLoaded(gen)
		case EventManifestParsed, EventLevelLoaded:
			s.log.Debug("runtime event", slog.String("kind", ev.Kind.String()))
		}
	}
}

// pumpMedia tracks the media element until Release closes its channel.
func (s *Session) pumpMedia(sink MediaSink) {
	defer s.wg.Done()
	for ev := range sink.Events() {
		switch ev.Kind {
		case MediaPlaying:
			// Only a stall ends this way; Play sets Playing itself, and a
			// late event must not undo a Pause.
			s.mu.Lock()
			if !s.torn && s.state == Stalled && s.setStateLocked(Playing) {
				s.recovery.Reset()
			}
			s.unlock()
		case MediaWaiting:
			s.mu.Lock()
			if !s.torn && s.state == Playing {
				s.setStateLocked(Stalled)
			}
			s.unlock()
		case MediaEnded:
			s.mu.Lock()
			if !s.torn && s.setStateLocked(Paused) {
				s.noteLocked(s.cfg.Callbacks.OnEnded)
			}
			s.unlock()
		case MediaTimeUpdate:
			s.monitor.Sample(ev.Time, sink.Buffered())
		}
	}
}

// watchConnectivity resumes network recovery when the device comes back
// online.
func (s *Session) watchConnectivity(ch <-chan bool) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case online, ok := <-ch:
			if !ok {
				return
			}
			if !online || !s.recovery.WaitingOnline() {
				continue
			}
			s.mu.Lock()
			gen, rt := s.gen, s.runtime
			ok = s.currentLocked(gen) && s.state != Failed
			s.mu.Unlock()
			if !ok {
				continue
			}
			s.log.Info("connectivity restored, reloading")
			s.recovery.OnlineRestored()
			if rt != nil {
				s.restartRuntime(rt)
			}
			s.finishRecovery(gen)
		}
	}
}

func (s *Session) onFragmentLoaded(gen uint64) {
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	if s.state != Failed {
		s.lastErr = nil
	}
	if s.state == Playing {
		s.recovery.NetworkRecovered()
	}
	sink := s.sink
	stallPaused := s.stallPaused
	s.mu.Unlock()
	if sink == nil {
		return
	}

	s.monitor.Sample(sink.CurrentTime(), sink.Buffered())
	if !stallPaused {
		return
	}
	if ahead := s.monitor.Snapshot().Ahead; ahead < stallResumeAhead {
		return
	}
	s.mu.Lock()
	if !s.currentLocked(gen) || !s.stallPaused || s.state != Stalled {
		s.mu.Unlock()
		return
	}
	s.stallPaused = false
	s.setStateLocked(Paused)
	s.unlock()

	s.log.Info("buffer refilled, resuming")
	if err := s.play(s.ctx, false); err != nil {
		s.log.Warn("resume after stall failed", slog.String("error", err.Error()))
	}
}

// handleError executes the recovery decision for a runtime error.
func (s *Session) handleError(gen uint64, ev recovery.ErrorEvent) {
	if s.State() == Failed {
		return
	}
	online := true
	if s.cfg.Connectivity != nil {
		online = s.cfg.Connectivity.Online()
	}
	d := s.recovery.Decide(ev, online)
	if d.Action != recovery.Ignore {
		s.log.Warn("runtime error",
			slog.String("type", ev.Type.String()),
			slog.String("detail", ev.Detail),
			slog.Bool("fatal", ev.Fatal),
			slog.String("action", d.Action.String()),
			slog.Duration("delay", d.Delay),
			slog.Int("attempt", d.Attempt),
		)
	}

	switch d.Action {
	case recovery.Ignore:
	case recovery.WidenBuffer:
		s.tuner.Widen(d.Window)
	case recovery.PauseResume:
		s.pauseForStall(gen)
	case recovery.Fail:
		s.fail(gen, streamerr.New(streamerr.NetworkFault, "reload", s.url, errRetriesExhausted))
	case recovery.Reload:
		s.enterRecovering(gen)
		s.after(gen, d.Delay, func() {
			s.recovery.ReloadFired()
			if rt := s.currentRuntime(); rt != nil {
				s.restartRuntime(rt)
			}
			s.finishRecovery(gen)
		})
	case recovery.WaitOnline:
		s.enterRecovering(gen)
		s.log.Info("offline, waiting for connectivity")
	case recovery.RecoverMedia:
		s.enterRecovering(gen)
		s.after(gen, d.Delay, func() { s.recoverMedia(gen, d.Nudge) })
	case recovery.FullReload:
		s.enterRecovering(gen)
		s.after(gen, d.Delay, func() { s.fullReload(gen) })
	}
}

// enterRecovering moves to Recovering and remembers whether playback should
// resume once recovery completes.
func (s *Session) enterRecovering(gen uint64) {
	s.mu.Lock()
	if s.currentLocked(gen) && s.state != Recovering && s.state != Failed {
		s.preRecovery = s.state
		if s.state == Playing || s.state == Stalled {
			s.resumePending = true
		}
		s.setStateLocked(Recovering)
	}
	s.unlock()
}

// finishRecovery leaves Recovering, resuming playback if it was interrupted.
func (s *Session) finishRecovery(gen uint64) error {
	s.mu.Lock()
	if !s.currentLocked(gen) || s.state != Recovering {
		s.mu.Unlock()
		return nil
	}
	resume := s.resumePending
	s.resumePending = false
	switch {
	case resume:
		s.setStateLocked(Paused)
	case s.preRecovery == Paused || s.preRecovery == Stalled:
		s.setStateLocked(Paused)
	default:
		s.setStateLocked(Ready)
	}
	s.unlock()

	if !resume {
		return nil
	}
	return s.resume(gen)
}

func (s *Session) resume(gen uint64) error {
	if !s.current(gen) {
		return nil
	}
	return s.play(s.ctx, false)
}

// recoverMedia resets the decoder, nudges the playhead past the corrupt
// region and resumes. A failed resume escalates to a full reload.
func (s *Session) recoverMedia(gen uint64, nudge recovery.Nudge) {
	s.mu.Lock()
	rt, sink := s.runtime, s.sink
	s.mu.Unlock()
	if rt == nil || sink == nil {
		s.fullReload(gen)
		return
	}
	if err := rt.RecoverMediaError(); err != nil {
		s.log.Warn("media recovery failed", slog.String("error", err.Error()))
		s.fullReload(gen)
		return
	}
	target := nudge.Apply(sink.CurrentTime())
	if err := sink.Seek(target); err != nil {
		s.log.Warn("nudge seek failed", slog.Float64("target", target), slog.String("error", err.Error()))
	}
	s.monitor.Reset()
	if err := s.finishRecovery(gen); err != nil {
		s.log.Warn("resume after media recovery failed, reloading", slog.String("error", err.Error()))
		s.fullReload(gen)
	}
}

// fullReload discards the runtime, scheduler and synthetic manifest and
// initializes again from the manifest fetch. The media sink is kept.
func (s *Session) fullReload(gen uint64) {
	s.mu.Lock()
	if !s.currentLocked(gen) || s.state == Failed {
		s.mu.Unlock()
		return
	}
	resume := s.resumePending || s.state == Playing || s.state == Stalled
	s.gen++
	newGen := s.gen
	rt, sched, handle := s.runtime, s.sched, s.handle
	s.runtime, s.sched, s.handle = nil, nil, ""
	s.resumePending = false
	s.resumeAfterLoad = resume
	s.stallPaused = false
	s.setStateLocked(Loading)
	s.wg.Add(1)
	s.unlock()

	s.log.Info("full reload", slog.Bool("resume", resume))
	if sched != nil {
		sched.Close()
	}
	if rt != nil {
		s.guard("stop runtime", rt.StopLoad)
		s.guard("detach runtime", rt.Detach)
		s.guard("destroy runtime", rt.Destroy)
	}
	if handle != "" {
		s.cfg.Registry.Revoke(handle)
	}
	s.monitor.Reset()
	go s.initialize(newGen)
}

// pauseForStall pauses until enough buffer has been loaded to resume.
func (s *Session) pauseForStall(gen uint64) {
	s.mu.Lock()
	if !s.currentLocked(gen) || s.state != Playing {
		s.mu.Unlock()
		return
	}
	s.stallPaused = true
	s.setStateLocked(Stalled)
	sink := s.sink
	s.unlock()

	s.log.Info("buffer stalled, pausing until refilled")
	if err := sink.Pause(); err != nil {
		s.log.Warn("pause on stall failed", slog.String("error", err.Error()))
	}
}

// restartRuntime stops and restarts segment loading.
func (s *Session) restartRuntime(rt Runtime) {
	if err := rt.StopLoad(); err != nil {
		s.log.Warn("stop load failed", slog.String("error", err.Error()))
	}
	if err := rt.StartLoad(); err != nil {
		s.log.Warn("start load failed", slog.String("error", err.Error()))
	}
}

func (s *Session) currentRuntime() Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}
