package mailsync

// Engine bundles the sync services built on one set of dependencies.
type Engine struct {
	Deps        *Deps
	Coordinator *Coordinator
	Lister      *Lister
	Threads     *ThreadBackfiller
	History     *HistorySyncer
	Labels      *LabelReconciler
	Deleter     *MessageDeleter
	Accounts    *AccountService
}

func NewEngine(deps *Deps, pageSize int) *Engine {
	coord := NewCoordinator(deps)
	return &Engine{
		Deps:        deps,
		Coordinator: coord,
		Lister:      NewLister(deps, coord, pageSize),
		Threads:     NewThreadBackfiller(deps, coord),
		History:     NewHistorySyncer(deps, coord),
		Labels:      NewLabelReconciler(deps),
		Deleter:     NewMessageDeleter(deps),
		Accounts:    NewAccountService(deps, coord),
	}
}
