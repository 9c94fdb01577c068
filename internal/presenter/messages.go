package presenter

// Messages processed by the dispatcher loop

type surfaceSubmitted struct {
	p         *presentation
	value     string
	createdAt int64
}

func (m *surfaceSubmitted) Type() string { return "surface_submitted" }

type surfaceClosed struct {
	p *presentation
}

func (m *surfaceClosed) Type() string { return "surface_closed" }

type deadlineExpired struct {
	p *presentation
}

func (m *deadlineExpired) Type() string { return "deadline_expired" }

type abandonRequested struct {
	id string
}

func (m *abandonRequested) Type() string { return "abandon_requested" }
