package sync

type runState struct {
	pending bool
}

// NotifyChange schedules a background pass for an account. While a pass is
// running, any number of notifications collapse into one follow-up pass.
func (e *Engine) NotifyChange(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.baseCtx.Err() != nil {
		return
	}
	if st, running := e.runs[accountID]; running {
		st.pending = true
		return
	}
	e.runs[accountID] = &runState{}
	e.wg.Add(1)
	go e.runNotified(accountID)
}

func (e *Engine) runNotified(accountID string) {
	defer e.wg.Done()
	for {
		if _, err := e.Sync(e.baseCtx, accountID); err != nil {
			e.log.Error("sync failed", "account", accountID, "error", err)
		}

		e.mu.Lock()
		st := e.runs[accountID]
		if !st.pending || e.baseCtx.Err() != nil {
			delete(e.runs, accountID)
			e.mu.Unlock()
			return
		}
		st.pending = false
		e.mu.Unlock()
	}
}

// Wait blocks until notified passes have finished
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels notified passes and waits for them to return
func (e *Engine) Close() {
	e.baseCancel()
	e.wg.Wait()
}
