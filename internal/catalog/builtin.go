package catalog

import "sync"

// builtinJSON is a compact solver catalog used by tests and as a fallback
// when the host application supplies none. It covers the command shapes the
// engine cares about: starters, producers, macros with named outputs,
// deleters and file-bound printers.
const builtinJSON = `{
  "version": "builtin-1",
  "categories": [
    "Initialization",
    "Mesh",
    "Model",
    "Material",
    "Loads",
    "Analysis",
    "Post-Processing",
    "Fin"
  ],
  "commands": [
    {
      "title": "DEBUT",
      "category": "Initialization",
      "starter": true
    },
    {
      "title": "POURSUITE",
      "category": "Initialization",
      "starter": true
    },
    {
      "title": "LIRE_MAILLAGE",
      "category": "Mesh",
      "keywords": [
        {"name": "UNITE", "file": "in"},
        {"name": "FORMAT"}
      ],
      "produces": [{"type": "maillage"}]
    },
    {
      "title": "DEFI_GROUP",
      "category": "Mesh",
      "keywords": [
        {"name": "MAILLAGE"},
        {"name": "CREA_GROUP_MA"},
        {"name": "CREA_GROUP_NO"}
      ],
      "rule": "has(kw.MAILLAGE)",
      "produces": [{"type": "maillage"}]
    },
    {
      "title": "MACR_ADAP_MAIL",
      "category": "Mesh",
      "keywords": [
        {"name": "MAILLAGE_N"},
        {"name": "MAILLAGE_NP1"},
        {"name": "MAILLAGE_NP1_ANNEXE"},
        {"name": "ADAPTATION"}
      ],
      "rule": "has(kw.MAILLAGE_N)",
      "markers": {
        "MAILLAGE_NP1": "maillage",
        "MAILLAGE_NP1_ANNEXE": "maillage"
      },
      "macro": true
    },
    {
      "title": "AFFE_MODELE",
      "category": "Model",
      "keywords": [
        {"name": "MAILLAGE"},
        {"name": "GRILLE"},
        {"name": "AFFE"}
      ],
      "rule": "has(kw.MAILLAGE) || has(kw.GRILLE)",
      "produces": [{"type": "modele"}]
    },
    {
      "title": "DEFI_MATERIAU",
      "category": "Material",
      "keywords": [
        {"name": "ELAS"},
        {"name": "THER"}
      ],
      "rule": "has(kw.ELAS) || has(kw.THER)",
      "produces": [{"type": "materiau"}]
    },
    {
      "title": "AFFE_MATERIAU",
      "category": "Material",
      "keywords": [
        {"name": "MAILLAGE"},
        {"name": "MODELE"},
        {"name": "AFFE"}
      ],
      "rule": "(has(kw.MAILLAGE) || has(kw.MODELE)) && has(kw.AFFE)",
      "produces": [{"type": "cham_mater"}]
    },
    {
      "title": "AFFE_CHAR_MECA",
      "category": "Loads",
      "keywords": [
        {"name": "MODELE"},
        {"name": "DDL_IMPO"},
        {"name": "FORCE_NODALE"},
        {"name": "PRES_REP"}
      ],
      "rule": "has(kw.MODELE)",
      "produces": [{"type": "char_meca"}]
    },
    {
      "title": "MECA_STATIQUE",
      "category": "Analysis",
      "keywords": [
        {"name": "MODELE"},
        {"name": "CHAM_MATER"},
        {"name": "EXCIT"}
      ],
      "rule": "has(kw.MODELE) && has(kw.CHAM_MATER)",
      "produces": [{"type": "resultat"}]
    },
    {
      "title": "CREA_CHAMP",
      "category": "Post-Processing",
      "keywords": [
        {"name": "TYPE_CHAM"},
        {"name": "OPERATION"},
        {"name": "RESULTAT"},
        {"name": "MAILLAGE"}
      ],
      "rule": "has(kw.TYPE_CHAM) && has(kw.OPERATION)",
      "produces": [{"type": "cham_no"}]
    },
    {
      "title": "IMPR_RESU",
      "category": "Post-Processing",
      "keywords": [
        {"name": "RESU"},
        {"name": "UNITE", "file": "out"},
        {"name": "FORMAT"}
      ],
      "rule": "has(kw.RESU)"
    },
    {
      "title": "DETRUIRE",
      "category": "Post-Processing",
      "keywords": [
        {"name": "CONCEPT"},
        {"name": "NOM"}
      ],
      "deleter": true
    },
    {
      "title": "FIN",
      "category": "Fin"
    }
  ]
}`

var (
	builtinOnce sync.Once
	builtin     *Catalog
)

// Builtin returns the embedded default catalog. It panics on load failure,
// which only happens if the embedded JSON itself is broken.
func Builtin() *Catalog {
	builtinOnce.Do(func() {
		cat, err := Load([]byte(builtinJSON))
		if err != nil {
			panic("builtin catalog: " + err.Error())
		}
		builtin = cat
	})
	return builtin
}
