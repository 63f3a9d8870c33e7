/*
Package dns serves the service registry over DNS.

The server is a thin miekg/dns front end that reads through the registry on
every query. Nothing is cached and every A record carries TTL 0, so a client
that re-resolves sees the same endpoint set Resolve would return at that
moment.

# Names

Two kinds of names are answered, with or without the cluster domain
(default "burrow"):

	web.default.burrow          every Running, ready instance of web
	mongo.default               same, without the domain
	mongo-0.mongo.default       one ordered instance by identity

The second form is what the web tier puts in MONGODB_URI.

# Query flow

	A query, known name           → authoritative answer
	A query, unknown, in domain   → NXDOMAIN
	other types, in domain        → empty authoritative answer
	anything else                 → forwarded to the upstream servers,
	                                SERVFAIL if none answers

# Usage

	srv := dns.NewServer(reg, &dns.Config{
		ListenAddr: "127.0.0.1:5353",
		Domain:     "burrow",
		Upstream:   []string{"1.1.1.1:53"},
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()
*/
package dns
