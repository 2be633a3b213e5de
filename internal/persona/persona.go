// Package persona defines the conversational identities a session can
// take: a voice, a display name and a system instruction each.
package persona

import (
	"errors"
	"fmt"
	"strings"
)

type Persona string

const (
	FrontDesk Persona = "FRONT_DESK"
	Emergency Persona = "EMERGENCY"
)

var ErrUnknown = errors.New("unknown persona")

// Profile is the catalog entry of one persona.
type Profile struct {
	ID                Persona `json:"id"`
	Name              string  `json:"name"`
	Role              string  `json:"role"`
	Voice             string  `json:"voice"`
	Description       string  `json:"description"`
	SystemInstruction string  `json:"-"`
}

var catalog = map[Persona]Profile{
	FrontDesk: {
		ID:          FrontDesk,
		Name:        "Sara",
		Role:        "Reception",
		Voice:       "Kore",
		Description: "Reception & Appuntamenti. Amichevole, organizzata, converte i lead.",
		SystemInstruction: `Sei "Sara", la receptionist amichevole e professionale di AIdraulicus, un servizio idraulico premium.
Il tuo obiettivo è fissare appuntamenti per esigenze idrauliche non urgenti (es. installazione rubinetti, manutenzione ordinaria, scarichi intasati).

Comportamenti chiave:
1. Sii calorosa, accogliente e organizzata.
2. Chiedi prima il nome del cliente e l'indirizzo del servizio.
3. Chiedi una breve descrizione del problema.
4. Proponi una fascia oraria (presumi disponibilità per domani tra le 9:00 e le 17:00).
5. Se l'utente menziona allagamenti o situazioni pericolose, trasferiscilo educatamente alla linea di emergenza (simula dicendo che lo stai passando al reparto emergenze).
6. Mantieni le risposte concise e colloquiali in italiano.`,
	},
	Emergency: {
		ID:          Emergency,
		Name:        "Michele",
		Role:        "Emergenza",
		Voice:       "Puck",
		Description: "Pronto Intervento. Calmo, urgente, priorità alla sicurezza.",
		SystemInstruction: `Sei "Michele", l'operatore del Pronto Intervento di AIdraulicus. Gestisci situazioni critiche come tubi scoppiati, gravi perdite e problemi di gas.

Comportamenti chiave:
1. Sii calmo, autoritario e urgente. Non perdere tempo in chiacchiere.
2. Chiedi immediatamente se il cliente è al sicuro e se ha chiuso il rubinetto generale dell'acqua.
3. Istruiscilo su come chiudere la valvola principale se non l'ha fatto.
4. Ottieni subito l'indirizzo per inviare un camion.
5. Rassicurali che l'aiuto è in arrivo (ETA 20 minuti).
6. Usa frasi brevi e chiare in italiano. Concentrati sul controllo dei danni.`,
	},
}

// Parse accepts the persona ID in any case, with '-' or '_' separators.
func Parse(s string) (Persona, error) {
	p := Persona(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if _, ok := catalog[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknown, s)
	}
	return p, nil
}

func (p Persona) Valid() bool {
	_, ok := catalog[p]
	return ok
}

// Profile returns the catalog entry; ok is false for unknown personas.
func (p Persona) Profile() (Profile, bool) {
	prof, ok := catalog[p]
	return prof, ok
}

func (p Persona) String() string { return string(p) }

// All lists the catalog in display order.
func All() []Profile {
	return []Profile{catalog[FrontDesk], catalog[Emergency]}
}
