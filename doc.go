/*
Package sqlsession persists HTTP sessions in a relational database.

Each session is one row: a 40 character hexadecimal id, the server-side time
of the last write or touch, and an opaque payload. PostgreSQL, MySQL/MariaDB
and SQLite are supported through Dialect; every timestamp comes from the
database clock, so a cluster of application servers agrees on expiry.

The package is layered:

  - Store is the record store: upsert, fetch, delete, touch, sweep and
    existence checks. SQLStore implements it with prepared statements,
    MemoryStore keeps records in memory for tests.
  - IDGenerator produces identifiers that no stored record uses.
  - Handler implements SaveHandler, the Open/Read/Write/Destroy/GC/Close
    lifecycle a session manager drives. Hooks report success as booleans and
    log failures instead of returning them.
  - Manager is the request pipeline stage. Its Middleware resolves the
    session from the cookie, hands it to the next handler through the request
    context and writes it back afterwards.

Usage:

	store, err := sqlsession.NewSQLiteStore("sessions.db")
	if err != nil {
		log.Fatal(err)
	}

	mgr, err := sqlsession.NewManager(sqlsession.Config{
		Handler:  sqlsession.NewHandler(sqlsession.HandlerConfig{Store: store, CloseStore: true}),
		Name:     "app_session",
		Lifetime: 24 * time.Hour,
		Locker:   sqlsession.NewMutexLocker(),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer mgr.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		sess := sqlsession.FromContext(r.Context())
		fmt.Fprintf(w, "visits: %d", sess.Inc("visits", 1))
	})
	http.ListenAndServe(":8080", mgr.Middleware(mux))

Expired records are removed by GC, which the Manager runs on a fraction of
requests (session.gc_probability / session.gc_divisor) and optionally on a
fixed CleanupInterval.

Concurrency:

Store, Handler and Manager are safe for concurrent use. The handler does not
serialize requests that share a session id; configure a Locker on the Manager
(MutexLocker in one process, MemcachedLocker across processes) when that
matters. Otherwise the last write wins.
*/
package sqlsession
