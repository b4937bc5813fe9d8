package audio

// Pipeline carries frames between the device rate and the service rate.
type Pipeline struct {
	DeviceRate  int
	ServiceRate int
	// HighPassHz filters device audio before upload; zero disables it.
	HighPassHz float64
	// NormalizeTarget rescales service audio before playback; zero disables it.
	NormalizeTarget float64
}

func DefaultPipeline() Pipeline {
	return Pipeline{
		DeviceRate:  DeviceRate,
		ServiceRate: ServiceRate,
		HighPassHz:  DefaultHighPassHz,
	}
}

// ToService prepares a device frame for the realtime service.
func (p Pipeline) ToService(pcm []byte) []byte {
	if p.HighPassHz > 0 {
		pcm = HighPass(pcm, p.DeviceRate, p.HighPassHz)
	}
	return Resample(pcm, p.DeviceRate, p.ServiceRate)
}

// ToDevice prepares a service frame for playback on the device.
func (p Pipeline) ToDevice(pcm []byte) []byte {
	out := Resample(pcm, p.ServiceRate, p.DeviceRate)
	if p.NormalizeTarget > 0 {
		out = Normalize(out, p.NormalizeTarget)
	}
	return out
}
