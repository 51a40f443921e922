package auth

import (
	"errors"
	"strings"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrDuplicatePrincipal = errors.New("auth: duplicate principal")
)

// Principal is an operator of the daemon. Passwords here guard the HTTP
// bridge only; they are unrelated to basis passwords.
type Principal struct {
	Name  string
	Hash  string
	Roles []Role
}

// Directory is the fixed set of principals loaded from config.
type Directory struct {
	byName map[string]Principal
	dummy  string
}

func NewDirectory(ps ...Principal) (*Directory, error) {
	d := &Directory{byName: make(map[string]Principal, len(ps))}
	for _, p := range ps {
		name := strings.TrimSpace(p.Name)
		if name == "" || p.Hash == "" {
			continue
		}
		if _, dup := d.byName[name]; dup {
			return nil, ErrDuplicatePrincipal
		}
		d.byName[name] = p
		if d.dummy == "" {
			d.dummy = p.Hash
		}
	}
	return d, nil
}

func (d *Directory) Len() int { return len(d.byName) }

// Authenticate checks a password. Unknown names still pay for one hash so
// timing does not reveal which principals exist.
func (d *Directory) Authenticate(name string, password []byte) (Principal, error) {
	p, ok := d.byName[strings.TrimSpace(name)]
	hash := p.Hash
	if !ok {
		hash = d.dummy
	}
	if hash == "" {
		return Principal{}, ErrInvalidCredentials
	}
	match, err := VerifyPassword(password, hash)
	if err != nil || !match || !ok {
		return Principal{}, ErrInvalidCredentials
	}
	return p, nil
}
