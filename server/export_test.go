package tessitura

// CloseLogFile closes the session file behind the logger's back,
// the next flush fails the way a lost disk would
func (dl *DataLogger) CloseLogFile() error {
	dl.MU.Lock()
	defer dl.MU.Unlock()
	if dl.session == nil {
		return nil
	}
	return dl.session.file.Close()
}
